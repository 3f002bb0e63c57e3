package document

import "fmt"

// CapacityError reports a document whose serialized (and possibly
// compressed) form does not fit in slotSize*slotCount bytes. It is returned
// before any slot or metadata mutation, so prior data is intact and the
// caller can shrink the document and retry.
type CapacityError struct {
	// Overage is how many bytes over capacity the payload is.
	Overage int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("document exceeds storage capacity by %d bytes", e.Overage)
}

// CompressionError reports a codec failure during compress or decompress.
type CompressionError struct {
	// Op is "compress" or "decompress".
	Op  string
	Err error
}

func (e *CompressionError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *CompressionError) Unwrap() error { return e.Err }
