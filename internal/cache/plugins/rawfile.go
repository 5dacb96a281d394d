package plugins

import (
	"context"

	"isocore/internal/cache"
	"isocore/internal/command"
	"isocore/pkg/domain"
)

// RawFileContent is a raw file row with its archived bytes.
type RawFileContent struct {
	File domain.RawFile
	Data []byte
}

// RawFile caches archived instrument files by raw file id. Raw files are
// immutable; deleting one goes through DeleteRawFile as Principal.
type RawFile struct {
	Backend   Backend
	Principal command.Principal
}

var (
	_ cache.Plugin[string, RawFileContent] = RawFile{}
	_ cache.Deleter[string]                = RawFile{}
)

func (RawFile) Kind() string         { return KindRawFile }
func (RawFile) Key(id string) string { return id }

func (p RawFile) Fetch(ctx context.Context, id string) (any, error) {
	file, data, err := p.Backend.LoadRawFile(ctx, id)
	if err != nil {
		return nil, err
	}
	return RawFileContent{File: file, Data: data}, nil
}

func (RawFile) Apply(_ string, raw any) (RawFileContent, error) {
	return expect[RawFileContent](KindRawFile, raw)
}

func (RawFile) Affected(ev domain.Event, id string, _ RawFileContent, _ bool) cache.Effect {
	return rowEffect(ev, domain.EntityRawFile, id)
}

func (p RawFile) Delete(ctx context.Context, id string) error {
	_, err := execute(ctx, p.Backend, p.Principal, command.DeleteRawFile{ID: id})
	return err
}
