package core

// EffectiveBitrate resolves the bitrate applied to a feed from the
// operator limit and the user limit.
//
// An operator limit of 0 mutes the feed unless the user asked for
// something, so the user limit governs. Otherwise the user may only
// tighten the operator cap, never loosen it; a user limit of 0 means unset.
func EffectiveBitrate(operatorLimit, userLimit int) int {
	if operatorLimit == 0 {
		return userLimit
	}
	if userLimit > 0 && userLimit < operatorLimit {
		return userLimit
	}
	return operatorLimit
}

// BitrateChange reports the effective bitrate around a limit update.
type BitrateChange struct {
	Previous  int
	Effective int
}

func (c BitrateChange) Changed() bool { return c.Previous != c.Effective }
