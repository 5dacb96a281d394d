package command

import (
	"bytes"
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"isocore/internal/blob"
	"isocore/pkg/domain"
)

// ImportRawFile archives an instrument export and records the replicates
// parsed from it. The archive write happens before the transaction and is
// reverted when the transaction does not commit.
type ImportRawFile struct {
	InstrumentID string             `json:"instrument_id"`
	Name         string             `json:"name"`
	Timestamp    domain.Timestamp   `json:"timestamp"`
	ContentType  string             `json:"content_type,omitempty"`
	Data         []byte             `json:"data"`
	Replicates   []domain.Replicate `json:"replicates,omitempty"`
	Confirmed    bool               `json:"confirmed,omitempty"`
}

// RawFileImported is the payload of ImportRawFile.
type RawFileImported struct {
	RawFile    domain.RawFile     `json:"raw_file"`
	Replicates []domain.Replicate `json:"replicates"`
}

func (ImportRawFile) CommandName() string { return "import_raw_file" }

func (ImportRawFile) Authenticate(p Principal) bool {
	return p.Has(CapManageRawFiles) && p.Has(CapManageReplicates)
}

func (c ImportRawFile) Execute(ctx context.Context, tx domain.Transaction, fx *Effects) (any, error) {
	store := fx.Blobs()
	if store == nil {
		return nil, domain.Executionf("raw file archive is not configured")
	}
	if strings.TrimSpace(c.Name) == "" {
		return nil, domain.Executionf("raw file name is required")
	}
	if _, ok := tx.Snapshot().FindInstrument(c.InstrumentID); !ok {
		return nil, domain.ErrNotFound{Entity: domain.EntityInstrument, ID: c.InstrumentID}
	}

	id := uuid.NewString()
	key := blob.RawFileKey(c.InstrumentID, id, c.Name)
	info, err := store.Put(ctx, key, bytes.NewReader(c.Data), blob.PutOptions{
		ContentType: c.ContentType,
		Metadata:    map[string]string{"instrument": c.InstrumentID, "name": c.Name},
	})
	if err != nil {
		if errors.Is(err, blob.ErrExists) {
			return nil, domain.Executionf("raw file %s is already archived", key)
		}
		return nil, domain.DBError{Op: "archive raw file", Err: err}
	}
	fx.OnAbort(func(ctx context.Context) {
		_, _ = store.Delete(ctx, key)
	})

	file, err := tx.CreateRawFile(domain.RawFile{
		Base:         domain.Base{ID: id},
		InstrumentID: c.InstrumentID,
		Timestamp:    c.Timestamp,
		Name:         c.Name,
		BlobKey:      key,
		Size:         info.Size,
		ContentType:  c.ContentType,
	})
	if err != nil {
		return nil, err
	}
	fx.Emit(domain.EntityChanged(domain.EntityRawFile, file.ID, domain.ActionCreate).WithInstrument(file.InstrumentID))

	out := RawFileImported{RawFile: file, Replicates: make([]domain.Replicate, 0, len(c.Replicates))}
	for _, rep := range c.Replicates {
		rep.InstrumentID = c.InstrumentID
		rep.RawFileID = file.ID
		if rep.Timestamp == 0 {
			rep.Timestamp = c.Timestamp
		}
		created, err := createReplicate(tx, fx, rep, c.Confirmed)
		if err != nil {
			return nil, err
		}
		out.Replicates = append(out.Replicates, created)
	}
	return out, nil
}

// DeleteRawFile removes a raw file together with every replicate parsed from
// it. The archived bytes are removed once the deletion has committed.
type DeleteRawFile struct {
	ID string `json:"id"`
}

func (DeleteRawFile) CommandName() string { return "delete_raw_file" }

func (DeleteRawFile) Authenticate(p Principal) bool {
	return p.Has(CapManageRawFiles) && p.Has(CapManageReplicates)
}

func (c DeleteRawFile) Execute(_ context.Context, tx domain.Transaction, fx *Effects) (any, error) {
	view := tx.Snapshot()
	file, ok := view.FindRawFile(c.ID)
	if !ok {
		return nil, domain.ErrNotFound{Entity: domain.EntityRawFile, ID: c.ID}
	}
	for _, rep := range view.ListReplicates(domain.ReplicateFilter{RawFileID: c.ID, IncludeDisabled: true}) {
		if err := deleteReplicate(tx, fx, rep.ID); err != nil {
			return nil, err
		}
	}
	if err := tx.DeleteRawFile(c.ID); err != nil {
		return nil, err
	}
	fx.Emit(domain.EntityChanged(domain.EntityRawFile, file.ID, domain.ActionDelete).WithInstrument(file.InstrumentID))
	if store := fx.Blobs(); store != nil && file.BlobKey != "" {
		fx.AfterCommit(func(ctx context.Context) error {
			_, err := store.Delete(ctx, file.BlobKey)
			return err
		})
	}
	return file, nil
}
