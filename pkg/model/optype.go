package model

// OpType is the semantic operation assigned to a transaction by the
// classifier. The set is closed; anything the rule table cannot match becomes
// OpUnknown and is surfaced for manual review rather than guessed at.
type OpType string

const (
	OpSimpleTransfer  OpType = "simple-transfer"
	OpSwap            OpType = "swap"
	OpStakingReward   OpType = "staking-reward"
	OpAirdrop         OpType = "airdrop"
	OpLiquidityAdd    OpType = "liquidity-add"
	OpLiquidityRemove OpType = "liquidity-remove"
	OpNFTTrade        OpType = "nft-trade"
	OpBridgeOut       OpType = "bridge-out"
	OpBridgeIn        OpType = "bridge-in"
	OpFeeOnly         OpType = "fee-only"
	OpUnknown         OpType = "unknown"
)

// Taxable reports whether transfers of a transaction with this operation type
// participate in lot accounting at all. Unknown transactions are excluded
// from automatic lot effects; bridges and self-transfers carry basis over
// unchanged.
func (op OpType) Taxable() bool {
	switch op {
	case OpUnknown, OpBridgeOut, OpBridgeIn:
		return false
	}
	return true
}
