package models

// ChainState is the lifecycle of an upstream production chain.
type ChainState string

const (
	// ChainStateReady indicates the chain is configured but not fabricating.
	ChainStateReady ChainState = "ready"
	// ChainStateFabricating indicates the chain is producing segments and should be shipped.
	ChainStateFabricating ChainState = "fabricating"
	// ChainStateElapsed indicates the chain has ended.
	ChainStateElapsed ChainState = "elapsed"
)

// IsActive reports whether a stream for this chain should be shipped.
func (s ChainState) IsActive() bool {
	return s == ChainStateReady || s == ChainStateFabricating
}

// Chain is the registry row linking a stream key to an upstream production chain.
type Chain struct {
	Row

	// StreamKey is the public identifier of the output stream.
	StreamKey string `gorm:"not null;size:100;uniqueIndex" json:"stream_key"`

	State ChainState `gorm:"not null;default:'ready';size:20;index" json:"state"`

	Description string `gorm:"size:255" json:"description,omitempty"`
}

// TableName returns the table name for GORM.
func (Chain) TableName() string {
	return "chains"
}

// Validate checks the row before it is persisted.
func (c *Chain) Validate() error {
	if c.StreamKey == "" {
		return ErrStreamKeyRequired
	}
	if c.State != "" && c.State != ChainStateReady && c.State != ChainStateFabricating && c.State != ChainStateElapsed {
		return FieldError{Field: "state", Message: "must be ready, fabricating or elapsed"}
	}
	return nil
}
