package upstream

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFakeClientFetchProcessScriptsErrorsThenSucceeds(t *testing.T) {
	client := NewFakeClient()
	process := &RemoteProcess{ProcessNumber: "0001234-56.2024.8.26.0100"}
	client.Processes[process.ProcessNumber] = process
	client.FetchErrors[process.ProcessNumber] = []error{errors.New("boom"), errors.New("boom again")}

	_, err := client.FetchProcess(context.Background(), process.ProcessNumber)
	require.Error(t, err)

	_, err = client.FetchProcess(context.Background(), process.ProcessNumber)
	require.Error(t, err)

	got, err := client.FetchProcess(context.Background(), process.ProcessNumber)
	require.NoError(t, err)
	require.Equal(t, process, got)
}

func TestFakeClientDownloadDocumentReturnsScriptedBody(t *testing.T) {
	client := NewFakeClient()
	client.Downloads["h1"] = []byte("hello document")

	reader, err := client.DownloadDocument(context.Background(), "h1")
	require.NoError(t, err)
	defer reader.Close()

	body, err := io.ReadAll(reader)
	require.NoError(t, err)
	require.Equal(t, "hello document", string(body))
}

func TestIsTransientClassifiesWrappedError(t *testing.T) {
	err := newTransientError(errors.New("connection reset"))
	require.True(t, IsTransient(err))
	require.False(t, IsTransient(errors.New("plain error")))
}
