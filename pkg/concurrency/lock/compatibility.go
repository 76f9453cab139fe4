package lock

import "txnkernel/pkg/primitives"

// compatible[requested][held] is the 5x5 multi-granularity matrix of
// §4.5: IS/IX/S/SIX/X against each other.
var compatible = [5][5]bool{
	primitives.IntentionShared: {
		primitives.IntentionShared: true, primitives.IntentionExclusive: true,
		primitives.Shared: true, primitives.SharedIntentionExclusive: true,
		primitives.Exclusive: false,
	},
	primitives.IntentionExclusive: {
		primitives.IntentionShared: true, primitives.IntentionExclusive: true,
		primitives.Shared: false, primitives.SharedIntentionExclusive: false,
		primitives.Exclusive: false,
	},
	primitives.Shared: {
		primitives.IntentionShared: true, primitives.IntentionExclusive: false,
		primitives.Shared: true, primitives.SharedIntentionExclusive: false,
		primitives.Exclusive: false,
	},
	primitives.SharedIntentionExclusive: {
		primitives.IntentionShared: true, primitives.IntentionExclusive: false,
		primitives.Shared: false, primitives.SharedIntentionExclusive: false,
		primitives.Exclusive: false,
	},
	primitives.Exclusive: {
		primitives.IntentionShared: false, primitives.IntentionExclusive: false,
		primitives.Shared: false, primitives.SharedIntentionExclusive: false,
		primitives.Exclusive: false,
	},
}

// Compatible reports whether requested may be granted alongside an
// already-held held mode.
func Compatible(requested, held primitives.LockMode) bool {
	return compatible[requested][held]
}

// CompatibleWithAll reports whether requested is compatible with
// every mode in held.
func CompatibleWithAll(requested primitives.LockMode, held []primitives.LockMode) bool {
	for _, h := range held {
		if !Compatible(requested, h) {
			return false
		}
	}
	return true
}

// upgradeTargets lists the modes a held lock may be upgraded to,
// per §4.6's upgrade path.
var upgradeTargets = map[primitives.LockMode][]primitives.LockMode{
	primitives.IntentionShared: {primitives.Shared, primitives.Exclusive, primitives.IntentionExclusive, primitives.SharedIntentionExclusive},
	primitives.Shared:          {primitives.Exclusive, primitives.SharedIntentionExclusive},
	primitives.IntentionExclusive: {primitives.Exclusive, primitives.SharedIntentionExclusive},
	primitives.SharedIntentionExclusive: {primitives.Exclusive},
}

// CanUpgrade reports whether from may be upgraded to to.
func CanUpgrade(from, to primitives.LockMode) bool {
	for _, m := range upgradeTargets[from] {
		if m == to {
			return true
		}
	}
	return false
}
