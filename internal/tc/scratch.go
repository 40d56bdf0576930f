package tc

// OpCache is the scratch/cache record: it exists only from receipt of
// the first signal of an operation until the LQH-key request for that
// operation has been fully emitted, at which point its durable fields are
// copied onto the TcOperation and the cache slot is released.
type OpCache struct {
	Key      SegmentedBuffer
	AttrInfo SegmentedBuffer

	// CurrReclenAi / AttrLen track the multi-signal attrinfo streaming of
	// submit-op: the cache is "complete" once CurrReclenAi==AttrLen and
	// the key buffer has received its declared length.
	AttrLen      int
	CurrReclenAi int
	KeyLen       int
	CurrKeyLen   int

	HashValue       uint64
	DistHashValue   uint64
	HasDistHashHint bool
	DistHashHint    uint32

	FragId        uint32
	TableId       uint32
	SchemaVersion uint32

	// Flags carried from the submit-op request.
	Flags OpFlags
}

// OpFlags mirrors the submit-op flag set.
type OpFlags struct {
	Start          bool
	Commit         bool
	Execute        bool
	Simple         bool
	Dirty          bool
	Interpreted    bool
	AbortOnError   bool
	HasDistKeyHint bool
}

// Complete reports whether every key word and attrinfo word declared by the
// request has arrived.
func (c *OpCache) Complete() bool {
	return c.CurrKeyLen >= c.KeyLen && c.CurrReclenAi >= c.AttrLen
}

func (c *OpCache) init() {
	*c = OpCache{}
}
