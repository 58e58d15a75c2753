//go:build invariants

package trade

const strictInvariants = true
