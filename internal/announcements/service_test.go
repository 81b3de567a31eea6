package announcements

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	svcerrors "github.com/congregation-app/backend/internal/errors"
	"github.com/congregation-app/backend/internal/expo"
	"github.com/congregation-app/backend/internal/idempotency"
	"github.com/congregation-app/backend/internal/logging"
	"github.com/congregation-app/backend/internal/notifications"
	"github.com/congregation-app/backend/internal/supabase"
)

type fakeRecords struct {
	mu        sync.Mutex
	rows      map[string]supabase.Row
	nextID    int
	inserts   int
	updateErr error
	started   chan struct{}
	gate      chan struct{}
}

func newFakeRecords() *fakeRecords {
	return &fakeRecords{rows: map[string]supabase.Row{}}
}

func (f *fakeRecords) Insert(ctx context.Context, row supabase.Row) (supabase.Row, error) {
	if f.gate != nil {
		close(f.started)
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.inserts++
	id := "a" + string(rune('0'+f.nextID))
	stored := supabase.Row{"id": id}
	for k, v := range row {
		stored[k] = v
	}
	f.rows[id] = stored
	return stored, nil
}

func (f *fakeRecords) Update(ctx context.Context, id string, patch supabase.Row) (supabase.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	row := f.rows[id]
	for k, v := range patch {
		row[k] = v
	}
	return row, nil
}

func (f *fakeRecords) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rows, id)
	return nil
}

type fakeImages struct {
	objects   map[string][]byte
	uploadErr error
}

func (f *fakeImages) Upload(ctx context.Context, filePath string, data []byte, opts *supabase.UploadOptions) (*supabase.FileObject, error) {
	if f.uploadErr != nil {
		return nil, f.uploadErr
	}
	f.objects[filePath] = data
	return &supabase.FileObject{Path: filePath, PublicURL: "https://cdn.example/" + filePath}, nil
}

func (f *fakeImages) Remove(ctx context.Context, filePaths ...string) error {
	for _, p := range filePaths {
		delete(f.objects, p)
	}
	return nil
}

type fakeNotifier struct {
	calls int
	err   error
}

func (f *fakeNotifier) Broadcast(ctx context.Context, n notifications.Notification) (*expo.SendResult, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &expo.SendResult{Sent: 3, Skipped: 1}, nil
}

type fixture struct {
	records  *fakeRecords
	images   *fakeImages
	notifier *fakeNotifier
	keys     *idempotency.MemoryStore
	svc      *Service
}

func newFixture() *fixture {
	f := &fixture{
		records:  newFakeRecords(),
		images:   &fakeImages{objects: map[string][]byte{}},
		notifier: &fakeNotifier{},
		keys:     idempotency.NewMemoryStore(time.Hour),
	}
	f.svc = NewService(f.records, f.images, f.notifier, f.keys, logging.NewDiscard())
	return f
}

func request() CreateRequest {
	return CreateRequest{
		Fields: supabase.Row{"title": "Feast day", "content": "Liturgy at 9"},
		Image:  &Image{Data: []byte("PNG"), ContentType: "image/png", Filename: "icon.PNG"},
		Notify: true,
	}
}

func TestCreate_AllSteps(t *testing.T) {
	f := newFixture()

	res, err := f.svc.Create(context.Background(), "", request())
	require.NoError(t, err)

	url, _ := res.Announcement["image_url"].(string)
	assert.True(t, strings.HasPrefix(url, "https://cdn.example/announcements/a1/"), url)
	assert.True(t, strings.HasSuffix(url, ".png"), url)
	assert.Len(t, f.images.objects, 1)
	assert.Equal(t, &NotifyOutcome{Sent: 3, Skipped: 1}, res.Notification)
	assert.NotEmpty(t, res.Announcement["created_at"])
}

func TestCreate_UploadFailureDeletesRecord(t *testing.T) {
	f := newFixture()
	f.images.uploadErr = svcerrors.Upstream("storage: bucket not found", nil)

	_, err := f.svc.Create(context.Background(), "", request())
	require.Error(t, err)

	se := svcerrors.GetServiceError(err)
	require.NotNil(t, se)
	assert.Equal(t, "storage: bucket not found", se.Message)
	assert.Equal(t, "upload-image", se.Details["step"])
	assert.Empty(t, f.records.rows)
	assert.Zero(t, f.notifier.calls)
}

func TestCreate_AttachFailureRemovesImageThenRecord(t *testing.T) {
	f := newFixture()
	f.records.updateErr = svcerrors.Upstream("permission denied for table announcements", nil)

	_, err := f.svc.Create(context.Background(), "", request())
	require.Error(t, err)
	assert.Equal(t, "attach-image-url", svcerrors.GetServiceError(err).Details["step"])
	assert.Empty(t, f.images.objects)
	assert.Empty(t, f.records.rows)
}

func TestCreate_NotifyFailureIsReported(t *testing.T) {
	f := newFixture()
	f.notifier.err = svcerrors.Upstream("expo: boom", nil)

	res, err := f.svc.Create(context.Background(), "", request())
	require.NoError(t, err)
	assert.Equal(t, "expo: boom", res.Notification.Error)
	assert.Len(t, f.records.rows, 1)
}

func TestCreate_WithoutImageOrNotify(t *testing.T) {
	f := newFixture()

	res, err := f.svc.Create(context.Background(), "", CreateRequest{Fields: supabase.Row{"title": "Note"}})
	require.NoError(t, err)
	assert.Nil(t, res.Notification)
	assert.NotContains(t, res.Announcement, "image_url")
}

func TestCreate_Validation(t *testing.T) {
	f := newFixture()

	_, err := f.svc.Create(context.Background(), "", CreateRequest{Fields: supabase.Row{}})
	assert.True(t, svcerrors.Is(err, svcerrors.ErrValidation))
	assert.Zero(t, f.records.inserts)
}

func TestCreate_IdempotencyReplay(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	first, err := f.svc.Create(ctx, "key-1", request())
	require.NoError(t, err)

	second, err := f.svc.Create(ctx, "key-1", request())
	require.NoError(t, err)

	assert.True(t, second.Replayed)
	assert.Equal(t, first.Announcement["id"], second.Announcement["id"])
	assert.Equal(t, 1, f.records.inserts)
	assert.Equal(t, 1, f.notifier.calls)
}

func TestCreate_IdempotencyKeyInProgress(t *testing.T) {
	f := newFixture()
	f.records.started = make(chan struct{})
	f.records.gate = make(chan struct{})
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := f.svc.Create(ctx, "key-2", request())
		done <- err
	}()

	select {
	case <-f.records.started:
	case <-time.After(time.Second):
		t.Fatal("first request never reached the insert step")
	}

	_, err := f.svc.Create(ctx, "key-2", request())
	assert.True(t, svcerrors.Is(err, svcerrors.ErrConflict))

	close(f.records.gate)
	require.NoError(t, <-done)
}

func TestCreate_FailedSagaReleasesKey(t *testing.T) {
	f := newFixture()
	f.images.uploadErr = svcerrors.Upstream("storage down", nil)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, "key-3", request())
	require.Error(t, err)

	f.images.uploadErr = nil
	res, err := f.svc.Create(ctx, "key-3", request())
	require.NoError(t, err)
	assert.False(t, res.Replayed)
}
