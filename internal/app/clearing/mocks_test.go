package clearing

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	domain "github.com/ahrav/clearing-armada/internal/domain/clearing"
	"github.com/ahrav/clearing-armada/internal/domain/events"
	attachmem "github.com/ahrav/clearing-armada/internal/infra/attachments/memory"
	releasemem "github.com/ahrav/clearing-armada/internal/infra/storage/clearing/memory"
	"github.com/ahrav/clearing-armada/pkg/common/logger"
)

type mockRemote struct{ mock.Mock }

var _ domain.RemoteTool = (*mockRemote)(nil)

func (m *mockRemote) CheckConnection(ctx context.Context) (bool, error) {
	args := m.Called(ctx)
	return args.Bool(0), args.Error(1)
}

func (m *mockRemote) FindUpload(ctx context.Context, sha1, filename string) (string, bool, error) {
	args := m.Called(ctx, sha1, filename)
	return args.String(0), args.Bool(1), args.Error(2)
}

func (m *mockRemote) UploadAndScan(ctx context.Context, filename string, content io.Reader, description string) (string, error) {
	args := m.Called(ctx, filename, content, description)
	return args.String(0), args.Error(1)
}

func (m *mockRemote) LatestJobID(ctx context.Context, uploadID string) (string, error) {
	args := m.Called(ctx, uploadID)
	return args.String(0), args.Error(1)
}

func (m *mockRemote) StartScan(ctx context.Context, uploadID string) (string, error) {
	args := m.Called(ctx, uploadID)
	return args.String(0), args.Error(1)
}

func (m *mockRemote) ScanStatus(ctx context.Context, jobID string) (domain.ScanStatus, error) {
	args := m.Called(ctx, jobID)
	return args.Get(0).(domain.ScanStatus), args.Error(1)
}

func (m *mockRemote) StartReport(ctx context.Context, uploadID string) (string, error) {
	args := m.Called(ctx, uploadID)
	return args.String(0), args.Error(1)
}

func (m *mockRemote) DownloadReport(ctx context.Context, reportID string) (*domain.Report, error) {
	args := m.Called(ctx, reportID)
	report, _ := args.Get(0).(*domain.Report)
	return report, args.Error(1)
}

func (m *mockRemote) UnpackStatus(ctx context.Context, uploadID string) (domain.UnpackStatus, error) {
	args := m.Called(ctx, uploadID)
	return args.Get(0).(domain.UnpackStatus), args.Error(1)
}

// recordingPublisher keeps every published event.
type recordingPublisher struct {
	mu     sync.Mutex
	events []events.DomainEvent
	keys   []string
	err    error
}

func (p *recordingPublisher) PublishDomainEvent(_ context.Context, evt events.DomainEvent, opts ...events.PublishOption) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, evt)
	p.keys = append(p.keys, events.ApplyOptions(opts).Key)
	return nil
}

func (p *recordingPublisher) published() []events.DomainEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.DomainEvent(nil), p.events...)
}

const (
	testReleaseID = "release-1"
	sourceContent = "source-content-1"
	sourceSHA1    = "abc"
	sourceName    = "component-1.0.tar.gz"
)

var (
	testNow   = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	testActor = domain.Actor{Email: "clearing@example.com", Group: "clearing"}
)

type testSuite struct {
	orchestrator *Orchestrator
	releases     *releasemem.ReleaseStore
	contents     *attachmem.Store
	remote       *mockRemote
	publisher    *recordingPublisher
}

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	m, err := NewMetrics(noop.NewMeterProvider())
	require.NoError(t, err)
	return m
}

func newTestSuite(
	t *testing.T,
	cfg Config,
	wrap func(*releasemem.ReleaseStore) domain.ReleaseRepository,
) *testSuite {
	t.Helper()

	store := releasemem.NewReleaseStore()
	var releases domain.ReleaseRepository = store
	if wrap != nil {
		releases = wrap(store)
	}
	s := &testSuite{
		releases:  store,
		contents:  attachmem.NewStore(),
		remote:    new(mockRemote),
		publisher: new(recordingPublisher),
	}
	s.orchestrator = NewOrchestrator(
		cfg,
		releases,
		s.contents,
		s.remote,
		s.publisher,
		logger.Noop(),
		tracenoop.NewTracerProvider().Tracer("test"),
		newTestMetrics(t),
	)
	s.orchestrator.now = func() time.Time { return testNow }
	return s
}

func sourceAttachment() domain.Attachment {
	return domain.Attachment{
		ContentID: sourceContent,
		Filename:  sourceName,
		Type:      domain.AttachmentTypeSource,
		SHA1:      sourceSHA1,
		CreatedBy: testActor.Email,
		CreatedOn: testNow,
	}
}

// seedRelease stores a release with the source attachment and processes.
func (s *testSuite) seedRelease(t *testing.T, state domain.ClearingState, attachments []domain.Attachment, processes ...*domain.Process) {
	t.Helper()
	s.contents.Put(sourceContent, sourceName, []byte("package sources"))
	if attachments == nil {
		attachments = []domain.Attachment{sourceAttachment()}
	}
	require.NoError(t, s.releases.CreateRelease(context.Background(), &domain.Release{
		ID:            testReleaseID,
		Name:          "component",
		Version:       "1.0",
		ClearingState: state,
		Attachments:   attachments,
		Processes:     processes,
	}))
}

func (s *testSuite) release(t *testing.T) *domain.Release {
	t.Helper()
	r, err := s.releases.GetRelease(context.Background(), testReleaseID)
	require.NoError(t, err)
	return r
}

func (s *testSuite) activeProcess(t *testing.T) *domain.Process {
	t.Helper()
	p, err := s.release(t).ActiveProcess(domain.ToolFossology)
	require.NoError(t, err)
	require.NotNil(t, p)
	return p
}

type stepFixture struct {
	name       domain.StepName
	status     domain.StepStatus
	toolSideID string
	result     string
}

// buildProcess reconstructs a process with the given steps.
func buildProcess(
	t *testing.T,
	status domain.ProcessStatus,
	fp domain.Fingerprint,
	reportAuto bool,
	fixtures ...stepFixture,
) *domain.Process {
	t.Helper()
	steps := make([]*domain.Step, 0, len(fixtures))
	for _, f := range fixtures {
		steps = append(steps, domain.ReconstructStep(
			f.name, f.status, f.toolSideID, f.result,
			testNow, time.Time{}, testActor.Email, testActor.Group,
		))
	}
	p, err := domain.ReconstructProcess(uuid.New(), domain.ToolFossology, status, fp, steps, reportAuto, testNow, testNow)
	require.NoError(t, err)
	return p
}

func sourceFingerprint() domain.Fingerprint { return sourceAttachment().Fingerprint() }

func reportOf(body string) *domain.Report {
	return &domain.Report{
		Filename:    "report.rdf",
		ContentType: "application/rdf+xml",
		Body:        io.NopCloser(bytes.NewBufferString(body)),
	}
}
