package interfaces

// CompressedRef is the opaque token a Compressor hands back for a page it
// now owns the bytes of (spec.md §3.1 "Reference").
type CompressedRef struct {
	Token string
}

// CompressionOutcome is the tagged result of Compressor.TakeCompressionResult.
type CompressionOutcome struct {
	Kind     CompressionOutcomeKind
	Ref      CompressedRef // valid when Kind == CompressionReference
	SrcPage  *Page         // valid when Kind == CompressionFailed
}

type CompressionOutcomeKind uint8

const (
	CompressionReference CompressionOutcomeKind = iota
	CompressionFailed
	CompressionZero
)

// Compressor is the external compressor collaborator (spec.md §6). The
// core engine never compresses bytes itself; reclaim.go drives this
// interface's arm/start/compress/finalize protocol.
type Compressor interface {
	Arm() error
	Start(p *Page, metadata uint64) (CompressedRef, error)
	Compress() error
	TakeCompressionResult() (CompressionOutcome, error)
	Finalize()

	IsTempReference(ref CompressedRef) bool
	GetMetadata(ref CompressedRef) uint64
	SetMetadata(ref CompressedRef, v uint64)

	Decompress(ref CompressedRef, dst []byte) (metadata uint64, err error)

	// MoveReference transfers a compressed entry back into a page,
	// returning (page, metadata, ok).
	MoveReference(ref CompressedRef) (*Page, uint64, bool)
}
