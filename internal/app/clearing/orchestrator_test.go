package clearing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	domain "github.com/ahrav/clearing-armada/internal/domain/clearing"
	releasemem "github.com/ahrav/clearing-armada/internal/infra/storage/clearing/memory"
)

var errRemote = fmt.Errorf("%w: connection reset", domain.ErrRemoteFailure)

func stepOf(t *testing.T, p *domain.Process, name domain.StepName) *domain.Step {
	t.Helper()
	s, ok := p.Step(name)
	require.True(t, ok, "missing step %s", name)
	return s
}

func TestProcess_DeduplicatesExistingUpload(t *testing.T) {
	s := newTestSuite(t, Config{}, nil)
	s.seedRelease(t, domain.ClearingStateNew, nil)

	s.remote.On("FindUpload", mock.Anything, sourceSHA1, sourceName).Return("42", true, nil).Once()
	s.remote.On("LatestJobID", mock.Anything, "42").Return("7", nil).Once()

	p, err := s.orchestrator.Process(context.Background(), testReleaseID, testActor, "first clearing")
	require.NoError(t, err)

	upload := stepOf(t, p, domain.StepUpload)
	assert.Equal(t, domain.StepStatusDone, upload.Status())
	assert.Equal(t, "42", upload.ToolSideID())

	scan := stepOf(t, p, domain.StepScan)
	assert.Equal(t, domain.StepStatusInWork, scan.Status())
	assert.Equal(t, "7", scan.ToolSideID())

	s.remote.AssertNotCalled(t, "UploadAndScan", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	s.remote.AssertExpectations(t)

	stored := s.release(t)
	assert.Equal(t, domain.ClearingStateSentToClearingTool, stored.ClearingState)
	assert.True(t, s.activeProcess(t).SameState(p))
}

func TestProcess_DeduplicatedUploadWithoutJobLeavesScanNew(t *testing.T) {
	s := newTestSuite(t, Config{}, nil)
	s.seedRelease(t, domain.ClearingStateNew, nil)

	s.remote.On("FindUpload", mock.Anything, sourceSHA1, sourceName).Return("42", true, nil).Once()
	s.remote.On("LatestJobID", mock.Anything, "42").Return("", errRemote).Once()

	p, err := s.orchestrator.Process(context.Background(), testReleaseID, testActor, "")
	require.NoError(t, err)

	assert.Equal(t, domain.StepStatusDone, stepOf(t, p, domain.StepUpload).Status())
	assert.Equal(t, domain.StepStatusNew, stepOf(t, p, domain.StepScan).Status())
	s.remote.AssertExpectations(t)
}

func TestProcess_FullSuccessPath(t *testing.T) {
	s := newTestSuite(t, Config{}, nil)
	s.seedRelease(t, domain.ClearingStateNew, nil)
	ctx := context.Background()

	s.remote.On("FindUpload", mock.Anything, sourceSHA1, sourceName).Return("", false, nil).Once()
	s.remote.On("UploadAndScan", mock.Anything, sourceName, mock.Anything, "first clearing").Return("3", nil).Once()
	s.remote.On("LatestJobID", mock.Anything, "3").Return("7", nil).Once()

	// Upload NEW -> DONE, scan appended in IN_WORK.
	p, err := s.orchestrator.Process(ctx, testReleaseID, testActor, "first clearing")
	require.NoError(t, err)
	assert.Equal(t, domain.StepStatusDone, stepOf(t, p, domain.StepUpload).Status())
	assert.Equal(t, "3", stepOf(t, p, domain.StepUpload).ToolSideID())
	assert.Equal(t, domain.StepStatusInWork, stepOf(t, p, domain.StepScan).Status())
	assert.Equal(t, domain.ProcessStatusInWork, p.Status())
	assert.Equal(t, domain.ClearingStateSentToClearingTool, s.release(t).ClearingState)
	revision := s.release(t).Revision

	// Scan still processing: nothing changes, nothing is written.
	s.remote.On("ScanStatus", mock.Anything, "7").Return(domain.ScanStatus{Status: "Processing"}, nil).Once()
	p, err = s.orchestrator.Process(ctx, testReleaseID, testActor, "")
	require.NoError(t, err)
	assert.Len(t, p.Steps(), 2)
	assert.Equal(t, revision, s.release(t).Revision)

	// Scan completes and cascades into the report request.
	s.remote.On("ScanStatus", mock.Anything, "7").Return(domain.ScanStatus{Status: "Completed"}, nil).Once()
	s.remote.On("StartReport", mock.Anything, "3").Return("9", nil).Once()
	p, err = s.orchestrator.Process(ctx, testReleaseID, testActor, "")
	require.NoError(t, err)
	assert.Equal(t, domain.StepStatusDone, stepOf(t, p, domain.StepScan).Status())
	report := stepOf(t, p, domain.StepReport)
	assert.Equal(t, domain.StepStatusInWork, report.Status())
	assert.Equal(t, "9", report.ToolSideID())
	assert.Equal(t, domain.ClearingStateUnderClearing, s.release(t).ClearingState)

	// Report not ready yet.
	s.remote.On("DownloadReport", mock.Anything, "9").Return(nil, domain.ErrReportNotReady).Once()
	revision = s.release(t).Revision
	p, err = s.orchestrator.Process(ctx, testReleaseID, testActor, "")
	require.NoError(t, err)
	assert.Equal(t, domain.StepStatusInWork, stepOf(t, p, domain.StepReport).Status())
	assert.Equal(t, revision, s.release(t).Revision)

	// Report downloaded and attached.
	s.remote.On("DownloadReport", mock.Anything, "9").Return(reportOf("spdx document"), nil).Once()
	p, err = s.orchestrator.Process(ctx, testReleaseID, testActor, "")
	require.NoError(t, err)
	report = stepOf(t, p, domain.StepReport)
	assert.Equal(t, domain.StepStatusDone, report.Status())
	assert.Equal(t, domain.ProcessStatusDone, p.Status())

	stored := s.release(t)
	assert.Equal(t, domain.ClearingStateReportAvailable, stored.ClearingState)
	require.Len(t, stored.Attachments, 2)
	reportAttachment := stored.Attachments[1]
	assert.Equal(t, domain.AttachmentTypeClearingReport, reportAttachment.Type)
	assert.Equal(t, report.Result(), reportAttachment.ContentID)
	obj, ok := s.contents.Get(reportAttachment.ContentID)
	require.True(t, ok)
	assert.Equal(t, "spdx document", string(obj.Data))

	// A further call is a no-op.
	revision = stored.Revision
	p, err = s.orchestrator.Process(ctx, testReleaseID, testActor, "")
	require.NoError(t, err)
	assert.Len(t, p.Steps(), 3)
	assert.Equal(t, revision, s.release(t).Revision)

	s.remote.AssertExpectations(t)

	published := s.publisher.published()
	require.Len(t, published, 3)
	last, ok := published[2].(domain.ProcessAdvancedEvent)
	require.True(t, ok)
	assert.Equal(t, domain.ClearingStateReportAvailable, last.ClearingState)
	assert.Equal(t, domain.StepReport, last.Step)
	assert.Equal(t, testReleaseID, s.publisher.keys[2])
}

func TestProcess_IllegalStates(t *testing.T) {
	otherSource := sourceAttachment()
	otherSource.ContentID = "source-content-2"

	tests := []struct {
		name        string
		attachments []domain.Attachment
		processes   func(t *testing.T) []*domain.Process
	}{
		{
			name: "two active processes for the tool",
			processes: func(t *testing.T) []*domain.Process {
				return []*domain.Process{
					buildProcess(t, domain.ProcessStatusNew, sourceFingerprint(), true,
						stepFixture{name: domain.StepUpload, status: domain.StepStatusNew}),
					buildProcess(t, domain.ProcessStatusInWork, sourceFingerprint(), true,
						stepFixture{name: domain.StepUpload, status: domain.StepStatusDone, toolSideID: "3"},
						stepFixture{name: domain.StepScan, status: domain.StepStatusInWork, toolSideID: "7"}),
				}
			},
		},
		{
			name: "fingerprint mismatch",
			processes: func(t *testing.T) []*domain.Process {
				return []*domain.Process{
					buildProcess(t, domain.ProcessStatusInWork,
						domain.Fingerprint{ContentID: sourceContent, SHA1: "def"}, true,
						stepFixture{name: domain.StepUpload, status: domain.StepStatusDone, toolSideID: "3"},
						stepFixture{name: domain.StepScan, status: domain.StepStatusInWork, toolSideID: "7"}),
				}
			},
		},
		{
			name:        "no source attachment",
			attachments: []domain.Attachment{},
		},
		{
			name:        "two source attachments",
			attachments: []domain.Attachment{sourceAttachment(), otherSource},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSuite(t, Config{}, nil)
			var processes []*domain.Process
			if tt.processes != nil {
				processes = tt.processes(t)
			}
			s.seedRelease(t, domain.ClearingStateSentToClearingTool, tt.attachments, processes...)
			before := s.release(t)

			p, err := s.orchestrator.Process(context.Background(), testReleaseID, testActor, "")
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrIllegalState)
			assert.Nil(t, p)

			after := s.release(t)
			assert.Equal(t, before.Revision, after.Revision)
			require.Len(t, after.Processes, len(before.Processes))
			for i := range before.Processes {
				assert.True(t, before.Processes[i].SameState(after.Processes[i]))
			}
			assert.Empty(t, s.remote.Calls)
			assert.Empty(t, s.publisher.published())
		})
	}
}

func TestProcess_ApprovalIsNeverOverridden(t *testing.T) {
	s := newTestSuite(t, Config{}, nil)
	s.seedRelease(t, domain.ClearingStateApproved, nil)

	s.remote.On("FindUpload", mock.Anything, sourceSHA1, sourceName).Return("42", true, nil).Once()
	s.remote.On("LatestJobID", mock.Anything, "42").Return("7", nil).Once()

	_, err := s.orchestrator.Process(context.Background(), testReleaseID, testActor, "")
	require.NoError(t, err)
	assert.Equal(t, domain.ClearingStateApproved, s.release(t).ClearingState)

	require.NoError(t, s.orchestrator.MarkOutdated(context.Background(), testReleaseID, testActor))
	assert.Equal(t, domain.ClearingStateApproved, s.release(t).ClearingState)
}

func TestProcess_ToolNotConfiguredIsNotPersisted(t *testing.T) {
	s := newTestSuite(t, Config{}, nil)
	s.seedRelease(t, domain.ClearingStateNew, nil)

	s.remote.On("FindUpload", mock.Anything, sourceSHA1, sourceName).
		Return("", false, domain.ErrToolNotConfigured).Once()

	_, err := s.orchestrator.Process(context.Background(), testReleaseID, testActor, "")
	require.ErrorIs(t, err, domain.ErrToolNotConfigured)

	stored := s.release(t)
	assert.Empty(t, stored.Processes)
	assert.Equal(t, int64(1), stored.Revision)
}

func TestProcess_RemoteFailuresAreRecordedOnTheStep(t *testing.T) {
	uploadDone := stepFixture{name: domain.StepUpload, status: domain.StepStatusDone, toolSideID: "3", result: "3"}

	tests := []struct {
		name       string
		steps      []stepFixture
		setup      func(m *mockRemote)
		wantStep   domain.StepName
		wantStatus domain.StepStatus
		wantResult string
	}{
		{
			name: "upload failure",
			setup: func(m *mockRemote) {
				m.On("FindUpload", mock.Anything, sourceSHA1, sourceName).Return("", false, nil).Once()
				m.On("UploadAndScan", mock.Anything, sourceName, mock.Anything, "").Return("", errRemote).Once()
			},
			wantStep:   domain.StepUpload,
			wantStatus: domain.StepStatusNew,
			wantResult: "upload failed",
		},
		{
			name: "job lookup after upload",
			setup: func(m *mockRemote) {
				m.On("FindUpload", mock.Anything, sourceSHA1, sourceName).Return("", false, nil).Once()
				m.On("UploadAndScan", mock.Anything, sourceName, mock.Anything, "").Return("3", nil).Once()
				m.On("LatestJobID", mock.Anything, "3").Return("", errRemote).Once()
			},
			wantStep:   domain.StepUpload,
			wantStatus: domain.StepStatusNew,
			wantResult: "resolve scan job failed",
		},
		{
			name:  "scan start",
			steps: []stepFixture{uploadDone, {name: domain.StepScan, status: domain.StepStatusNew}},
			setup: func(m *mockRemote) {
				m.On("StartScan", mock.Anything, "3").Return("", errRemote).Once()
			},
			wantStep:   domain.StepScan,
			wantStatus: domain.StepStatusNew,
			wantResult: "start scan failed",
		},
		{
			name: "report download",
			steps: []stepFixture{
				uploadDone,
				{name: domain.StepScan, status: domain.StepStatusDone, toolSideID: "7", result: "7"},
				{name: domain.StepReport, status: domain.StepStatusInWork, toolSideID: "9"},
			},
			setup: func(m *mockRemote) {
				m.On("DownloadReport", mock.Anything, "9").Return(nil, errRemote).Once()
			},
			wantStep:   domain.StepReport,
			wantStatus: domain.StepStatusNew,
			wantResult: "download report failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSuite(t, Config{}, nil)
			var processes []*domain.Process
			if len(tt.steps) > 0 {
				processes = append(processes, buildProcess(t, domain.ProcessStatusInWork, sourceFingerprint(), true, tt.steps...))
			}
			s.seedRelease(t, domain.ClearingStateSentToClearingTool, nil, processes...)
			tt.setup(s.remote)

			_, err := s.orchestrator.Process(context.Background(), testReleaseID, testActor, "")
			require.NoError(t, err)

			step := stepOf(t, s.activeProcess(t), tt.wantStep)
			assert.Equal(t, tt.wantStatus, step.Status())
			assert.Contains(t, step.Result(), tt.wantResult)
			s.remote.AssertExpectations(t)
		})
	}
}

func TestProcess_ScanFailureStopsTheProcess(t *testing.T) {
	s := newTestSuite(t, Config{}, nil)
	s.seedRelease(t, domain.ClearingStateSentToClearingTool, nil,
		buildProcess(t, domain.ProcessStatusInWork, sourceFingerprint(), true,
			stepFixture{name: domain.StepUpload, status: domain.StepStatusDone, toolSideID: "3"},
			stepFixture{name: domain.StepScan, status: domain.StepStatusInWork, toolSideID: "7"}))

	s.remote.On("ScanStatus", mock.Anything, "7").Return(domain.ScanStatus{Status: "Failed"}, nil)

	p, err := s.orchestrator.Process(context.Background(), testReleaseID, testActor, "")
	require.NoError(t, err)
	scan := stepOf(t, p, domain.StepScan)
	assert.Equal(t, domain.StepStatusDone, scan.Status())
	assert.Equal(t, scanFailedResult, scan.Result())
	assert.Len(t, p.Steps(), 2)

	// Revisiting a failed scan does not request a report.
	p, err = s.orchestrator.Process(context.Background(), testReleaseID, testActor, "")
	require.NoError(t, err)
	assert.Len(t, p.Steps(), 2)
	s.remote.AssertNotCalled(t, "StartReport", mock.Anything, mock.Anything)
}

func TestProcess_SingleStepVersusCascade(t *testing.T) {
	t.Run("upload done revisit starts the scan only", func(t *testing.T) {
		s := newTestSuite(t, Config{}, nil)
		s.seedRelease(t, domain.ClearingStateSentToClearingTool, nil,
			buildProcess(t, domain.ProcessStatusInWork, sourceFingerprint(), true,
				stepFixture{name: domain.StepUpload, status: domain.StepStatusDone, toolSideID: "3"}))

		s.remote.On("StartScan", mock.Anything, "3").Return("8", nil).Once()

		p, err := s.orchestrator.Process(context.Background(), testReleaseID, testActor, "")
		require.NoError(t, err)
		scan := stepOf(t, p, domain.StepScan)
		assert.Equal(t, domain.StepStatusInWork, scan.Status())
		assert.Equal(t, "8", scan.ToolSideID())
		s.remote.AssertNotCalled(t, "ScanStatus", mock.Anything, mock.Anything)
		s.remote.AssertExpectations(t)
	})

	t.Run("scan start does not poll in the same call", func(t *testing.T) {
		s := newTestSuite(t, Config{}, nil)
		s.seedRelease(t, domain.ClearingStateSentToClearingTool, nil,
			buildProcess(t, domain.ProcessStatusInWork, sourceFingerprint(), true,
				stepFixture{name: domain.StepUpload, status: domain.StepStatusDone, toolSideID: "3"},
				stepFixture{name: domain.StepScan, status: domain.StepStatusNew}))

		s.remote.On("StartScan", mock.Anything, "3").Return("8", nil).Once()

		p, err := s.orchestrator.Process(context.Background(), testReleaseID, testActor, "")
		require.NoError(t, err)
		assert.Len(t, p.Steps(), 2)
		assert.Equal(t, domain.StepStatusInWork, p.FurthestStep().Status())
		s.remote.AssertNotCalled(t, "ScanStatus", mock.Anything, mock.Anything)
	})
}

func TestProcess_ReportGenerationDisabledThenEnabled(t *testing.T) {
	s := newTestSuite(t, Config{DisableReportDownload: true}, nil)
	s.seedRelease(t, domain.ClearingStateSentToClearingTool, nil,
		buildProcess(t, domain.ProcessStatusInWork, sourceFingerprint(), false,
			stepFixture{name: domain.StepUpload, status: domain.StepStatusDone, toolSideID: "3"},
			stepFixture{name: domain.StepScan, status: domain.StepStatusInWork, toolSideID: "7"}))

	s.remote.On("ScanStatus", mock.Anything, "7").Return(domain.ScanStatus{Status: "Completed"}, nil).Once()

	p, err := s.orchestrator.Process(context.Background(), testReleaseID, testActor, "")
	require.NoError(t, err)
	assert.Equal(t, domain.ProcessStatusDone, p.Status())
	assert.Len(t, p.Steps(), 2)
	s.remote.AssertNotCalled(t, "StartReport", mock.Anything, mock.Anything)

	s.orchestrator.cfg.DisableReportDownload = false
	s.remote.On("StartReport", mock.Anything, "3").Return("9", nil).Once()

	p, err = s.orchestrator.Process(context.Background(), testReleaseID, testActor, "")
	require.NoError(t, err)
	assert.True(t, p.ReportAutoGeneration())
	assert.Equal(t, domain.ProcessStatusInWork, p.Status())
	report := stepOf(t, p, domain.StepReport)
	assert.Equal(t, domain.StepStatusInWork, report.Status())
	assert.Equal(t, "9", report.ToolSideID())
	assert.Equal(t, domain.ClearingStateUnderClearing, s.release(t).ClearingState)
	s.remote.AssertExpectations(t)
}

func TestMarkOutdated(t *testing.T) {
	s := newTestSuite(t, Config{}, nil)
	old := buildProcess(t, domain.ProcessStatusInWork, sourceFingerprint(), true,
		stepFixture{name: domain.StepUpload, status: domain.StepStatusDone, toolSideID: "3"},
		stepFixture{name: domain.StepScan, status: domain.StepStatusInWork, toolSideID: "7"})
	s.seedRelease(t, domain.ClearingStateSentToClearingTool, nil, old)

	require.NoError(t, s.orchestrator.MarkOutdated(context.Background(), testReleaseID, testActor))

	stored := s.release(t)
	assert.Equal(t, domain.ClearingStateNew, stored.ClearingState)
	require.Len(t, stored.Processes, 1)
	assert.True(t, stored.Processes[0].IsOutdated())

	published := s.publisher.published()
	require.Len(t, published, 1)
	evt, ok := published[0].(domain.ProcessOutdatedEvent)
	require.True(t, ok)
	assert.Equal(t, old.ID().String(), evt.ProcessID)
	assert.Equal(t, testActor.Email, evt.Actor)

	err := s.orchestrator.MarkOutdated(context.Background(), testReleaseID, testActor)
	assert.ErrorIs(t, err, domain.ErrNoActiveProcess)

	// A fresh process can now be started next to the outdated one.
	s.remote.On("FindUpload", mock.Anything, sourceSHA1, sourceName).Return("42", true, nil).Once()
	s.remote.On("LatestJobID", mock.Anything, "42").Return("7", nil).Once()
	p, err := s.orchestrator.Process(context.Background(), testReleaseID, testActor, "")
	require.NoError(t, err)
	assert.NotEqual(t, old.ID(), p.ID())

	stored = s.release(t)
	assert.Len(t, stored.Processes, 2)
	assert.Len(t, stored.ActiveProcesses(domain.ToolFossology), 1)
}

func TestTriggerReportGeneration(t *testing.T) {
	uploadDone := stepFixture{name: domain.StepUpload, status: domain.StepStatusDone, toolSideID: "3", result: "3"}
	scanDone := stepFixture{name: domain.StepScan, status: domain.StepStatusDone, toolSideID: "7", result: "7"}

	tests := []struct {
		name      string
		process   func(t *testing.T) *domain.Process
		expectReq bool
		wantErr   error
	}{
		{
			name: "finished report is reopened",
			process: func(t *testing.T) *domain.Process {
				return buildProcess(t, domain.ProcessStatusDone, sourceFingerprint(), true,
					uploadDone, scanDone,
					stepFixture{name: domain.StepReport, status: domain.StepStatusDone, toolSideID: "9", result: "content-1"})
			},
			expectReq: true,
		},
		{
			name: "successful scan without report gets one",
			process: func(t *testing.T) *domain.Process {
				return buildProcess(t, domain.ProcessStatusDone, sourceFingerprint(), false, uploadDone, scanDone)
			},
			expectReq: true,
		},
		{
			name: "failed scan",
			process: func(t *testing.T) *domain.Process {
				return buildProcess(t, domain.ProcessStatusInWork, sourceFingerprint(), false, uploadDone,
					stepFixture{name: domain.StepScan, status: domain.StepStatusDone, toolSideID: "7", result: scanFailedResult})
			},
			wantErr: domain.ErrSourceNotScanned,
		},
		{
			name: "scan still running",
			process: func(t *testing.T) *domain.Process {
				return buildProcess(t, domain.ProcessStatusInWork, sourceFingerprint(), false, uploadDone,
					stepFixture{name: domain.StepScan, status: domain.StepStatusInWork, toolSideID: "7"})
			},
			wantErr: domain.ErrSourceNotScanned,
		},
		{
			name: "only uploaded",
			process: func(t *testing.T) *domain.Process {
				return buildProcess(t, domain.ProcessStatusInWork, sourceFingerprint(), true, uploadDone)
			},
			wantErr: domain.ErrSourceNotScanned,
		},
		{
			name:    "no process",
			wantErr: domain.ErrSourceNotScanned,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSuite(t, Config{DisableReportDownload: true}, nil)
			var processes []*domain.Process
			if tt.process != nil {
				processes = append(processes, tt.process(t))
			}
			s.seedRelease(t, domain.ClearingStateReportAvailable, nil, processes...)
			if tt.expectReq {
				s.remote.On("StartReport", mock.Anything, "3").Return("10", nil).Once()
			}

			err := s.orchestrator.TriggerReportGeneration(context.Background(), testReleaseID, testActor)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Equal(t, int64(1), s.release(t).Revision)
				return
			}
			require.NoError(t, err)

			p := s.activeProcess(t)
			report := stepOf(t, p, domain.StepReport)
			assert.Equal(t, domain.StepStatusInWork, report.Status())
			assert.Equal(t, "10", report.ToolSideID())
			assert.Equal(t, domain.ProcessStatusInWork, p.Status())
			assert.Equal(t, domain.ClearingStateUnderClearing, s.release(t).ClearingState)
			s.remote.AssertExpectations(t)
		})
	}
}

// conflictingStore simulates another writer committing between the refetch
// and the write of every update.
type conflictingStore struct {
	*releasemem.ReleaseStore
}

func (c conflictingStore) UpdateRelease(ctx context.Context, r *domain.Release) error {
	c.Bump(r.ID)
	return c.ReleaseStore.UpdateRelease(ctx, r)
}

func TestProcess_ConcurrentModificationSurfaces(t *testing.T) {
	s := newTestSuite(t, Config{}, func(store *releasemem.ReleaseStore) domain.ReleaseRepository {
		return conflictingStore{store}
	})
	s.seedRelease(t, domain.ClearingStateNew, nil)

	s.remote.On("FindUpload", mock.Anything, sourceSHA1, sourceName).Return("42", true, nil).Once()
	s.remote.On("LatestJobID", mock.Anything, "42").Return("7", nil).Once()

	_, err := s.orchestrator.Process(context.Background(), testReleaseID, testActor, "")
	assert.ErrorIs(t, err, domain.ErrConcurrentModification)
	assert.Empty(t, s.release(t).Processes)
	assert.Empty(t, s.publisher.published())
}

// interleavingStore lets another actor update the release right after the
// orchestrator first reads it.
type interleavingStore struct {
	*releasemem.ReleaseStore
	once sync.Once
}

func (w *interleavingStore) GetRelease(ctx context.Context, id string) (*domain.Release, error) {
	r, err := w.ReleaseStore.GetRelease(ctx, id)
	if err != nil {
		return nil, err
	}
	w.once.Do(func() {
		other := r.Clone()
		other.AddAttachment(domain.Attachment{ContentID: "manual-1", Filename: "notes.txt", Type: domain.AttachmentTypeOther})
		if err := w.ReleaseStore.UpdateRelease(ctx, other); err != nil {
			panic(err)
		}
	})
	return r, nil
}

func TestProcess_PersistRefetchesLatestRelease(t *testing.T) {
	s := newTestSuite(t, Config{}, func(store *releasemem.ReleaseStore) domain.ReleaseRepository {
		return &interleavingStore{ReleaseStore: store}
	})
	s.seedRelease(t, domain.ClearingStateNew, nil)

	s.remote.On("FindUpload", mock.Anything, sourceSHA1, sourceName).Return("42", true, nil).Once()
	s.remote.On("LatestJobID", mock.Anything, "42").Return("7", nil).Once()

	_, err := s.orchestrator.Process(context.Background(), testReleaseID, testActor, "")
	require.NoError(t, err)

	stored := s.release(t)
	assert.Equal(t, int64(3), stored.Revision)
	assert.True(t, stored.HasAttachment("manual-1"))
	require.Len(t, stored.Processes, 1)
	assert.Equal(t, domain.ClearingStateSentToClearingTool, stored.ClearingState)
}

// outdatingStore marks the active process outdated right after the
// orchestrator first reads the release.
type outdatingStore struct {
	*releasemem.ReleaseStore
	once sync.Once
}

func (w *outdatingStore) GetRelease(ctx context.Context, id string) (*domain.Release, error) {
	r, err := w.ReleaseStore.GetRelease(ctx, id)
	if err != nil {
		return nil, err
	}
	w.once.Do(func() {
		other := r.Clone()
		active, err := other.ActiveProcess(domain.ToolFossology)
		if err != nil || active == nil {
			panic("no active process to outdate")
		}
		active.MarkOutdated(testNow)
		other.ClearingState = domain.ClearingStateNew
		if err := w.ReleaseStore.UpdateRelease(ctx, other); err != nil {
			panic(err)
		}
	})
	return r, nil
}

func TestProcess_ConcurrentOutdateIsNotReverted(t *testing.T) {
	s := newTestSuite(t, Config{}, func(store *releasemem.ReleaseStore) domain.ReleaseRepository {
		return &outdatingStore{ReleaseStore: store}
	})
	s.seedRelease(t, domain.ClearingStateSentToClearingTool, nil,
		buildProcess(t, domain.ProcessStatusInWork, sourceFingerprint(), true,
			stepFixture{name: domain.StepUpload, status: domain.StepStatusDone, toolSideID: "3"},
			stepFixture{name: domain.StepScan, status: domain.StepStatusInWork, toolSideID: "7"}))

	s.remote.On("ScanStatus", mock.Anything, "7").Return(domain.ScanStatus{Status: "Completed"}, nil).Once()
	s.remote.On("StartReport", mock.Anything, "3").Return("9", nil).Once()

	_, err := s.orchestrator.Process(context.Background(), testReleaseID, testActor, "")
	assert.ErrorIs(t, err, domain.ErrConcurrentModification)

	stored := s.release(t)
	require.Len(t, stored.Processes, 1)
	p := stored.Processes[0]
	assert.True(t, p.IsOutdated())
	assert.Equal(t, domain.StepScan, p.FurthestStep().Name())
	assert.Equal(t, domain.ClearingStateNew, stored.ClearingState)
	assert.Empty(t, s.publisher.published())
}

func TestProcess_PublishFailureDoesNotFailTheCall(t *testing.T) {
	s := newTestSuite(t, Config{}, nil)
	s.publisher.err = errors.New("broker down")
	s.seedRelease(t, domain.ClearingStateNew, nil)

	s.remote.On("FindUpload", mock.Anything, sourceSHA1, sourceName).Return("42", true, nil).Once()
	s.remote.On("LatestJobID", mock.Anything, "42").Return("7", nil).Once()

	_, err := s.orchestrator.Process(context.Background(), testReleaseID, testActor, "")
	require.NoError(t, err)
	assert.Len(t, s.release(t).Processes, 1)
}

func TestProcess_ReleaseNotFound(t *testing.T) {
	s := newTestSuite(t, Config{}, nil)
	_, err := s.orchestrator.Process(context.Background(), "missing", testActor, "")
	assert.ErrorIs(t, err, domain.ErrReleaseNotFound)
}

func TestPassThroughChecks(t *testing.T) {
	s := newTestSuite(t, Config{}, nil)
	ctx := context.Background()

	s.remote.On("CheckConnection", mock.Anything).Return(false, errRemote).Once()
	assert.False(t, s.orchestrator.CheckConnection(ctx))

	s.remote.On("CheckConnection", mock.Anything).Return(true, nil).Once()
	assert.True(t, s.orchestrator.CheckConnection(ctx))

	eta := 30
	s.remote.On("ScanStatus", mock.Anything, "7").Return(domain.ScanStatus{Status: "Processing", ETA: &eta}, nil).Once()
	status, err := s.orchestrator.CheckScanStatus(ctx, "7")
	require.NoError(t, err)
	assert.Equal(t, domain.ScanRunning, status.Outcome())
	assert.Equal(t, 30, *status.ETA)

	s.remote.On("UnpackStatus", mock.Anything, "3").Return(domain.UnpackProcessing, nil).Once()
	unpack, err := s.orchestrator.CheckUnpackStatus(ctx, "3")
	require.NoError(t, err)
	assert.Equal(t, domain.UnpackProcessing, unpack)
}

func TestProcess_ReadsSourceContentForUpload(t *testing.T) {
	s := newTestSuite(t, Config{}, nil)
	s.seedRelease(t, domain.ClearingStateNew, nil)

	s.remote.On("FindUpload", mock.Anything, sourceSHA1, sourceName).Return("", false, nil).Once()
	s.remote.On("UploadAndScan", mock.Anything, sourceName, mock.MatchedBy(func(r io.Reader) bool {
		data, err := io.ReadAll(r)
		return err == nil && string(data) == "package sources"
	}), "desc").Return("3", nil).Once()
	s.remote.On("LatestJobID", mock.Anything, "3").Return("7", nil).Once()

	_, err := s.orchestrator.Process(context.Background(), testReleaseID, testActor, "desc")
	require.NoError(t, err)
	s.remote.AssertExpectations(t)
}
