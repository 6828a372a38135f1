package telemetry

import "time"

// Variant selects game-specific session behaviour. It is resolved once when a
// session is created and never changes afterwards.
type Variant int

const (
	// VariantGeneric is used for every game without a known telemetry defect.
	VariantGeneric Variant = iota
	// VariantRBR is used for Richard Burns Rally, whose recorded lap end times
	// are wrong and have to be rebuilt from the lap time.
	VariantRBR
)

// GameRichardBurnsRally is the game name published by the RBR telemetry plugin.
const GameRichardBurnsRally = "Richard Burns Rally"

// rbrEndOffset is added to start+lap time when rebuilding RBR lap end times.
const rbrEndOffset = 60 * time.Second

// SelectVariant returns the session variant for a game name.
func SelectVariant(game string) Variant {
	if game == GameRichardBurnsRally {
		return VariantRBR
	}
	return VariantGeneric
}

// String returns the variant name used in logs.
func (v Variant) String() string {
	switch v {
	case VariantRBR:
		return "rbr"
	default:
		return "generic"
	}
}

// CorrectLap applies the variant's lap repair. RBR laps get
// End = Start + Time + 60s and Number = 0; generic laps are returned unchanged.
func (v Variant) CorrectLap(lap Lap) Lap {
	if v != VariantRBR {
		return lap
	}
	lap.End = lap.Start.Add(secondsToDuration(lap.Time) + rbrEndOffset)
	lap.Number = 0
	return lap
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
