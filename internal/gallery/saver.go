package gallery

import (
	"context"
	"fmt"
	"time"

	"github.com/golang/glog"

	"sketchweave/internal/ledger"
)

const AppName = "SketchWeave"

// Uploader stores bytes remotely and returns their content id.
type Uploader interface {
	Put(ctx context.Context, data []byte, tags []ledger.Tag) (string, error)
}

// Saver keeps a sketch locally and, when an uploader is set, publishes it.
type Saver struct {
	store    *Store
	uploader Uploader
	now      func() time.Time
}

func NewSaver(store *Store, uploader Uploader) *Saver {
	return &Saver{store: store, uploader: uploader, now: time.Now}
}

// UploadTags are the tags a sketch is published with.
func UploadTags(title string, created time.Time) []ledger.Tag {
	return []ledger.Tag{
		{Name: "Content-Type", Value: "image/png"},
		{Name: "App-Name", Value: AppName},
		{Name: "Type", Value: "sketch"},
		{Name: "Title", Value: title},
		{Name: "Created-At", Value: created.UTC().Format(time.RFC3339)},
	}
}

// Save stores png under title. The local record is kept even when the
// upload fails; the returned sketch then has no RemoteID and err says why.
func (s *Saver) Save(ctx context.Context, png []byte, title string) (Sketch, error) {
	if title == "" {
		title = "Untitled"
	}
	sk, err := s.store.Insert(ctx, Sketch{
		Timestamp: s.now(),
		ImageData: png,
		Title:     title,
	})
	if err != nil {
		return Sketch{}, err
	}
	if s.uploader == nil {
		return sk, nil
	}
	return s.Upload(ctx, sk)
}

// Upload publishes an already stored sketch and records its remote id.
func (s *Saver) Upload(ctx context.Context, sk Sketch) (Sketch, error) {
	if s.uploader == nil {
		return sk, fmt.Errorf("no uploader configured")
	}
	if sk.RemoteID != "" {
		return sk, nil
	}
	remoteID, err := s.uploader.Put(ctx, sk.ImageData, UploadTags(sk.Title, sk.Timestamp))
	if err != nil {
		glog.Errorf("[gallery]upload of %s failed: %s", sk.ID, err)
		return sk, fmt.Errorf("sketch %s saved locally but upload failed: %w", sk.ID, err)
	}
	if err := s.store.SetRemoteID(ctx, sk.ID, remoteID); err != nil {
		return sk, err
	}
	sk.RemoteID = remoteID
	glog.Infof("[gallery]uploaded %s as %s", sk.ID, remoteID)
	return sk, nil
}
