package vdo

import (
	"context"

	"github.com/dreamware/vdostore/internal/collaborator"
	"github.com/dreamware/vdostore/internal/physical"
)

// ioBackend adapts collaborator.IOSubmitter's Submit* method set to
// pagecache.Backend's Read/Write/Flush naming, without pagecache having
// to import the collaborator package directly.
type ioBackend struct {
	data collaborator.IOSubmitter
}

func (b ioBackend) ReadBlock(ctx context.Context, pbn physical.PBN) ([]byte, error) {
	return b.data.SubmitRead(ctx, pbn)
}

func (b ioBackend) WriteBlock(ctx context.Context, pbn physical.PBN, data []byte) error {
	return b.data.SubmitWrite(ctx, pbn, data)
}

func (b ioBackend) Flush(ctx context.Context) error {
	return b.data.SubmitFlush(ctx)
}
