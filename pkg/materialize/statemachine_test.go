package materialize

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTransitionDocumentLegalMoves(t *testing.T) {
	doc := &Document{Status: DocumentPending}

	require.NoError(t, TransitionDocument(doc, DocumentProcessing))
	require.Equal(t, DocumentProcessing, doc.Status)

	require.NoError(t, TransitionDocument(doc, DocumentAvailable))
	require.Equal(t, DocumentAvailable, doc.Status)
}

func TestTransitionDocumentRejectsTerminalReentry(t *testing.T) {
	doc := &Document{Status: DocumentAvailable}

	err := TransitionDocument(doc, DocumentProcessing)
	require.Error(t, err)

	var invalidErr *InvalidTransitionError
	require.ErrorAs(t, err, &invalidErr)
	require.Equal(t, DocumentAvailable, doc.Status, "rejected transition must leave state untouched")
}

func TestTransitionDocumentRejectsSkippingProcessing(t *testing.T) {
	doc := &Document{Status: DocumentPending}
	require.Error(t, TransitionDocument(doc, DocumentAvailable))
}

func TestTransitionDocumentRetryDoorFromFailed(t *testing.T) {
	doc := &Document{Status: DocumentFailed, ErrorMessage: "upstream returned status 500"}
	require.NoError(t, TransitionDocument(doc, DocumentProcessing))
	require.Equal(t, DocumentProcessing, doc.Status)
}

func TestTransitionJobLegalMoves(t *testing.T) {
	job := &Job{Status: JobPending}

	require.NoError(t, TransitionJob(job, JobProcessing))
	require.NoError(t, TransitionJob(job, JobCompleted))
}

func TestTransitionJobRejectsCompletedToCancelled(t *testing.T) {
	job := &Job{Status: JobCompleted}
	require.Error(t, TransitionJob(job, JobCancelled))
}

func TestTransitionJobPendingToFailed(t *testing.T) {
	job := &Job{Status: JobPending}
	require.NoError(t, TransitionJob(job, JobFailed))
}

func TestTransitionJobRetryDoorFromFailedAndCancelled(t *testing.T) {
	failed := &Job{Status: JobFailed}
	require.NoError(t, TransitionJob(failed, JobProcessing))

	cancelled := &Job{Status: JobCancelled}
	require.NoError(t, TransitionJob(cancelled, JobProcessing))
}

func TestForceFailDocumentBypassesAdjacencyTable(t *testing.T) {
	doc := &Document{Status: DocumentAvailable}
	ForceFailDocument(doc, "blob store unreachable during retention sweep")
	require.Equal(t, DocumentFailed, doc.Status)
	require.NotEmpty(t, doc.ErrorMessage)
}

func TestRecomputeJobProgress(t *testing.T) {
	cases := []struct {
		name      string
		total     int
		completed int
		failed    int
		want      int
	}{
		{"empty job", 0, 0, 0, 0},
		{"half done", 10, 5, 0, 50},
		{"mixed outcomes", 4, 2, 1, 75},
		{"fully done", 3, 2, 1, 100},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			job := &Job{TotalDocuments: tc.total, CompletedDocuments: tc.completed, FailedDocuments: tc.failed}
			recomputeJobProgress(job)
			require.Equal(t, tc.want, job.ProgressPercentage)
		})
	}
}

func TestValidateWebhookURL(t *testing.T) {
	cases := []struct {
		name       string
		url        string
		production bool
		wantErr    bool
	}{
		{"valid https", "https://caller.example.com/hooks/materializer", false, false},
		{"valid http in development", "http://caller.example.com/hooks", false, false},
		{"http to public host rejected in production", "http://caller.example.com/hooks", true, true},
		{"http to localhost allowed in production", "http://localhost:8080/hooks", true, false},
		{"relative url rejected", "/hooks/materializer", false, true},
		{"ftp scheme rejected", "ftp://caller.example.com/hooks", false, true},
		{"ssh port rejected", "https://caller.example.com:22/hooks", false, true},
		{"rdp port rejected", "https://caller.example.com:3389/hooks", false, true},
		{"malformed url rejected", "not a url at all", false, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateWebhookURL(tc.url, tc.production)
			if tc.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}
