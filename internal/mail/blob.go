package mail

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	appErrors "github.com/unclebandit/marketplace-automation/internal/errors"
)

// BlobStore resolves template attachment references.
type BlobStore interface {
	Open(ctx context.Context, ref string) (Attachment, error)
}

// FSBlobStore serves references as paths relative to Root.
type FSBlobStore struct {
	Root string
}

func (s FSBlobStore) Open(_ context.Context, ref string) (Attachment, error) {
	clean := filepath.Clean("/" + strings.TrimSpace(ref))
	if clean == "/" {
		return Attachment{}, &appErrors.ValidationError{Entity: "attachment", Key: ref, Reason: "empty reference"}
	}
	data, err := os.ReadFile(filepath.Join(s.Root, clean))
	if os.IsNotExist(err) {
		return Attachment{}, appErrors.NewNotFound("attachment", ref)
	}
	if err != nil {
		return Attachment{}, fmt.Errorf("read attachment %s: %w", ref, err)
	}
	name := filepath.Base(clean)
	ct := mime.TypeByExtension(filepath.Ext(name))
	if ct == "" {
		ct = "application/octet-stream"
	}
	return Attachment{Name: name, ContentType: ct, Data: data}, nil
}
