package notify

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/go-pkgz/notify"
	"github.com/go-pkgz/repeater"
	"github.com/go-pkgz/repeater/strategy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umputun/trainq/app/notify/mocks"
	"github.com/umputun/trainq/app/store"
)

func failedRecord() store.Record {
	st := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	fin := st.Add(90 * time.Second)
	return store.Record{
		JobID:       "job-1",
		Status:      store.StatusFailed,
		BaseModel:   "Qwen/Qwen2.5-0.5B-Instruct",
		DatasetPath: "/data/ds.jsonl",
		AdapterPath: "/out/luna-adapter",
		StartedAt:   &st,
		FinishedAt:  &fin,
		Progress:    store.Progress{Percent: 42.5},
		Error:       "trainer command failed: exit status 1",
		Trace:       "line1\nline2\nline3\n<oom>",
	}
}

func TestService_EmptyDestinations(t *testing.T) {
	svc := NewService(Params{}, SendersParams{})
	require.Nil(t, svc)
	svc = NewService(Params{}, SendersParams{SlackChannels: []string{"general"}})
	require.Nil(t, svc, "slack without token")
}

func TestService_Destinations(t *testing.T) {
	svc := NewService(Params{}, SendersParams{ToEmails: []string{"a@example.com"}, SlackToken: "xoxb",
		SlackChannels: []string{"ml"}, WebhookURLs: []string{"https://example.com/hook"}})
	require.NotNil(t, svc)
	assert.Len(t, svc.destinations, 3)
	assert.Equal(t, "unknown", svc.HostName)
}

func TestMakeErrorHTMLDefault(t *testing.T) {
	svc := NewService(Params{HostName: "gpu-1"}, SendersParams{ToEmails: []string{"test@example.com"}})
	require.NotNil(t, svc)
	res, err := svc.MakeErrorHTML(failedRecord())
	require.NoError(t, err)
	assert.Contains(t, res, "Training job failed on <span class=\"bold\">gpu-1</span>")
	assert.Contains(t, res, "<li>Job: <span class=\"bold\">job-1</span></li>")
	assert.Contains(t, res, "<li>Progress: <span class=\"bold\">42.50%</span></li>")
	assert.Contains(t, res, "line1\nline2\nline3\n&lt;oom&gt;", "trace escaped")
}

func TestMakeErrorHTMLTraceLimit(t *testing.T) {
	svc := NewService(Params{MaxTraceLines: 2}, SendersParams{ToEmails: []string{"test@example.com"}})
	res, err := svc.MakeErrorHTML(failedRecord())
	require.NoError(t, err)
	assert.Contains(t, res, "line3\n&lt;oom&gt;")
	assert.NotContains(t, res, "line2")
}

func TestMakeErrorHTMLCustom(t *testing.T) {
	svc := NewService(Params{ErrorTemplate: "testfiles/err.tmpl"}, SendersParams{ToEmails: []string{"test@example.com"}})
	require.NotNil(t, svc)
	res, err := svc.MakeErrorHTML(failedRecord())
	require.NoError(t, err)
	assert.Equal(t, "Job failed: job-1\nModel: Qwen/Qwen2.5-0.5B-Instruct\nError: trainer command failed: exit status 1\n", res)

	svc = NewService(Params{ErrorTemplate: "testfiles/err-bad.tmpl"}, SendersParams{ToEmails: []string{"test@example.com"}})
	require.NotNil(t, svc)
	res, err = svc.MakeErrorHTML(failedRecord())
	require.NoError(t, err)
	assert.Contains(t, res, "<li>Job: <span class=\"bold\">job-1</span></li>", "fallback to default")

	svc = NewService(Params{ErrorTemplate: "testfiles/not-found.tmpl"}, SendersParams{ToEmails: []string{"test@example.com"}})
	res, err = svc.MakeErrorHTML(failedRecord())
	require.NoError(t, err)
	assert.Contains(t, res, "Training job failed")
}

func TestMakeCompletionHTML(t *testing.T) {
	rec := failedRecord()
	rec.Status, rec.Error, rec.Trace = store.StatusCompleted, "", ""

	svc := NewService(Params{}, SendersParams{ToEmails: []string{"test@example.com"}})
	res, err := svc.MakeCompletionHTML(rec)
	require.NoError(t, err)
	assert.Contains(t, res, "Training job completed")
	assert.Contains(t, res, "<li>Adapter: <span class=\"bold\">/out/luna-adapter</span></li>")
	assert.Contains(t, res, "<li>Duration: <span class=\"bold\">1m30s</span></li>")

	svc = NewService(Params{CompletionTemplate: "testfiles/completed.tmpl"}, SendersParams{ToEmails: []string{"test@example.com"}})
	res, err = svc.MakeCompletionHTML(rec)
	require.NoError(t, err)
	assert.Equal(t, "Job done: job-1\nAdapter: /out/luna-adapter\n", res)

	svc = NewService(Params{CompletionTemplate: "testfiles/completed-bad.tmpl"}, SendersParams{ToEmails: []string{"test@example.com"}})
	res, err = svc.MakeCompletionHTML(rec)
	require.NoError(t, err)
	assert.Contains(t, res, "Training job completed")
}

func TestService_IsOn(t *testing.T) {
	svc := NewService(Params{EnabledCompletion: true}, SendersParams{ToEmails: []string{"test@example.com"}})
	assert.True(t, svc.IsOnCompletion())
	assert.False(t, svc.IsOnError())

	svc = NewService(Params{EnabledError: true}, SendersParams{ToEmails: []string{"test@example.com"}})
	assert.False(t, svc.IsOnCompletion())
	assert.True(t, svc.IsOnError())
}

func TestService_Send(t *testing.T) {
	tests := []struct {
		name           string
		subj           string
		text           string
		destination    string
		mockSendErr    error
		expectedErrMsg string
	}{
		{
			name:        "successful send",
			subj:        "job job-1 completed",
			text:        "Test Text",
			destination: "mailto:to@example.com,to2@example.com?from=from@example.com&subject=job+job-1+completed",
		},
		{
			name:           "send error",
			subj:           "job job-1 failed",
			text:           "Problem Text",
			destination:    "mailto:to@example.com,to2@example.com?from=from@example.com&subject=job+job-1+failed",
			mockSendErr:    errors.New("mock error"),
			expectedErrMsg: "mock error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mailtoNotifier := &mocks.NotifierMock{
				SendFunc: func(_ context.Context, dest string, text string) error {
					assert.Equal(t, tt.text, text)
					assert.Equal(t, tt.destination, dest)
					return tt.mockSendErr
				},
				SchemaFunc: func() string { return "mailto" },
				StringFunc: func() string { return "email" },
			}

			s := Service{
				destinations: []notify.Notifier{mailtoNotifier},
				fromEmail:    "from@example.com",
				toEmail:      []string{"to@example.com", "to2@example.com"},
			}

			err := s.Send(t.Context(), tt.subj, tt.text)
			assert.Len(t, mailtoNotifier.SendCalls(), 1)
			if tt.expectedErrMsg == "" {
				require.NoError(t, err)
			} else {
				assert.EqualError(t, err, tt.expectedErrMsg)
			}
		})
	}
}

func TestService_SendAllDestinationsWithRetry(t *testing.T) {
	var webhookAttempts int
	webhook := &mocks.NotifierMock{
		SendFunc: func(_ context.Context, dest, _ string) error {
			assert.Equal(t, "https://example.com/hook", dest)
			webhookAttempts++
			if webhookAttempts < 3 {
				return errors.New("temporary")
			}
			return nil
		},
		SchemaFunc: func() string { return "http" },
		StringFunc: func() string { return "webhook" },
	}
	slack := &mocks.NotifierMock{
		SendFunc: func(_ context.Context, dest, _ string) error {
			assert.True(t, strings.HasPrefix(dest, "slack:ml-jobs?title="), dest)
			return nil
		},
		SchemaFunc: func() string { return "slack" },
		StringFunc: func() string { return "slack" },
	}

	s := Service{
		Params:        Params{Repeater: repeater.New(&strategy.FixedDelay{Repeats: 5, Delay: time.Millisecond})},
		destinations:  []notify.Notifier{webhook, slack},
		slackChannels: []string{"ml-jobs"},
		webhookURLs:   []string{"https://example.com/hook"},
	}
	err := s.Send(t.Context(), "job job-1 failed", "text")
	require.NoError(t, err)
	assert.Equal(t, 3, webhookAttempts)
	assert.Len(t, slack.SendCalls(), 1)
	assert.Equal(t, "slack:ml-jobs?title=job+job-1+failed", slack.SendCalls()[0].Destination)
}
