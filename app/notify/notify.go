// Package notify delivers job failure and completion notifications to email, slack and webhook
// destinations. Messages are rendered from html templates, default or loaded from files.
package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/url"
	"os"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/notify"

	"github.com/umputun/trainq/app/store"
)

//go:generate moq -out mocks/notifier.go -pkg mocks -skip-ensure -fmt goimports github.com/go-pkgz/notify Notifier

// Repeater defines retry used for each destination
type Repeater interface {
	Do(ctx context.Context, fun func() error, errs ...error) error
}

// Params for notification service
type Params struct {
	EnabledError       bool
	EnabledCompletion  bool
	ErrorTemplate      string // optional file with custom template
	CompletionTemplate string // optional file with custom template
	HostName           string
	MaxTraceLines      int // trace lines included in failure message, 0 for all
	Repeater           Repeater
}

// SendersParams defines destinations and their credentials
type SendersParams struct {
	SMTP      notify.SMTPParams
	FromEmail string
	ToEmails  []string

	SlackToken    string
	SlackChannels []string

	WebhookURLs    []string
	WebhookHeaders []string // "Header: value"
	WebhookTimeout time.Duration
}

// Service sends notifications
type Service struct {
	Params
	destinations  []notify.Notifier
	fromEmail     string
	toEmail       []string
	slackChannels []string
	webhookURLs   []string
}

// NewService makes notification service, nil if no destinations configured
func NewService(p Params, sp SendersParams) *Service {
	res := Service{Params: p, fromEmail: sp.FromEmail, toEmail: sp.ToEmails, slackChannels: sp.SlackChannels, webhookURLs: sp.WebhookURLs}
	if len(sp.ToEmails) > 0 {
		smtp := sp.SMTP
		if smtp.ContentType == "" {
			smtp.ContentType = "text/html"
		}
		res.destinations = append(res.destinations, notify.NewEmail(smtp))
	}
	if sp.SlackToken != "" && len(sp.SlackChannels) > 0 {
		res.destinations = append(res.destinations, notify.NewSlack(sp.SlackToken))
	}
	if len(sp.WebhookURLs) > 0 {
		res.destinations = append(res.destinations, notify.NewWebhook(notify.WebhookParams{
			Timeout: sp.WebhookTimeout, Headers: sp.WebhookHeaders}))
	}
	if len(res.destinations) == 0 {
		return nil
	}
	if res.HostName == "" {
		res.HostName = "unknown"
	}
	return &res
}

// Send message to all configured destinations, each one retried by repeater if set
func (s *Service) Send(ctx context.Context, subj, text string) error {
	var errs []error
	for _, dest := range s.addresses(subj) {
		send := func() error { return notify.Send(ctx, s.destinations, dest, text) }
		var err error
		if s.Repeater != nil {
			err = s.Repeater.Do(ctx, send)
		} else {
			err = send()
		}
		if err != nil {
			log.Printf("[WARN] can't send notification to %s: %v", s.safeDest(dest), err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// IsOnError status enabling on-error notification
func (s *Service) IsOnError() bool { return s.EnabledError }

// IsOnCompletion status enabling on-completion notification
func (s *Service) IsOnCompletion() bool { return s.EnabledCompletion }

// addresses makes destination strings for each enabled sender
func (s *Service) addresses(subj string) []string {
	var res []string
	if len(s.toEmail) > 0 {
		res = append(res, fmt.Sprintf("mailto:%s?from=%s&subject=%s",
			strings.Join(s.toEmail, ","), s.fromEmail, url.QueryEscape(subj)))
	}
	for _, ch := range s.slackChannels {
		res = append(res, fmt.Sprintf("slack:%s?title=%s", url.PathEscape(ch), url.QueryEscape(subj)))
	}
	res = append(res, s.webhookURLs...)
	return res
}

// safeDest strips query from destination for logging
func (s *Service) safeDest(dest string) string {
	if idx := strings.Index(dest, "?"); idx > 0 {
		return dest[:idx]
	}
	return dest
}

// MakeErrorHTML renders failed job notification
func (s *Service) MakeErrorHTML(rec store.Record) (string, error) {
	trace := rec.Trace
	if s.MaxTraceLines > 0 {
		lines := strings.Split(trace, "\n")
		if len(lines) > s.MaxTraceLines {
			trace = strings.Join(lines[len(lines)-s.MaxTraceLines:], "\n")
		}
	}
	return s.render(s.ErrorTemplate, defaultErrorTemplate, s.templateData(rec, trace))
}

// MakeCompletionHTML renders completed job notification
func (s *Service) MakeCompletionHTML(rec store.Record) (string, error) {
	return s.render(s.CompletionTemplate, defaultCompletionTemplate, s.templateData(rec, ""))
}

type templateData struct {
	JobID       string
	Status      string
	BaseModel   string
	DatasetPath string
	AdapterPath string
	Error       string
	Trace       string
	Duration    string
	Percent     float64
	Host        string
	TS          time.Time
}

func (s *Service) templateData(rec store.Record, trace string) templateData {
	res := templateData{
		JobID:       rec.JobID,
		Status:      rec.Status.String(),
		BaseModel:   rec.BaseModel,
		DatasetPath: rec.DatasetPath,
		AdapterPath: rec.AdapterPath,
		Error:       rec.Error,
		Trace:       trace,
		Percent:     rec.Progress.Percent,
		Host:        s.HostName,
		TS:          time.Now(),
	}
	if rec.StartedAt != nil && rec.FinishedAt != nil {
		res.Duration = rec.FinishedAt.Sub(*rec.StartedAt).Truncate(time.Second).String()
	}
	return res
}

// render executes custom template from file, falls back to the default one if the file can't be used
func (s *Service) render(file, def string, data templateData) (string, error) {
	tmpl := def
	if file != "" {
		if b, err := os.ReadFile(file); err == nil { //nolint gosec
			tmpl = string(b)
		} else {
			log.Printf("[WARN] can't read template %s, using default: %v", file, err)
		}
	}

	t, err := template.New("msg").Parse(tmpl)
	if err != nil && tmpl != def {
		log.Printf("[WARN] can't parse template %s, using default: %v", file, err)
		t, err = template.New("msg").Parse(def)
	}
	if err != nil {
		return "", fmt.Errorf("can't parse message template: %w", err)
	}
	buf := bytes.Buffer{}
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to apply template: %w", err)
	}
	return buf.String(), nil
}

const htmlHead = `<!DOCTYPE html>
<html>
	<head>
		<meta name="viewport" content="width=device-width" />
		<meta http-equiv="Content-Type" content="text/html; charset=UTF-8" />
		<style type="text/css">
			body { font-family: "Arial"; font-size: 1.0em; }
			ul { margin-top: -0.5em; margin-left: -0.5em; }
			pre {
				padding: 0.6em;
				font-size: 0.7em;
				background-color: #E8E2A0;
				font-family: "Menlo";
				overflow-x: auto;
				white-space: pre-wrap;
				word-wrap: break-word;
			}
			.bold { color: #882828; font-weight: 900; }
		</style>
	</head>
`

const defaultErrorTemplate = htmlHead + `	<body>
		<p>Training job failed on <span class="bold">{{.Host}}</span> at {{.TS.Format "2006-01-02T15:04:05Z07:00"}}</p>
		<ul>
			<li>Job: <span class="bold">{{.JobID}}</span></li>
			<li>Model: <span class="bold">{{.BaseModel}}</span></li>
			<li>Dataset: <span class="bold">{{.DatasetPath}}</span></li>
			<li>Progress: <span class="bold">{{printf "%.2f" .Percent}}%</span></li>
			<li>Error: <span class="bold">{{.Error}}</span></li>
		</ul>
		<pre>
{{.Trace}}
		</pre>
	</body>
</html>
`

const defaultCompletionTemplate = htmlHead + `	<body>
		<p>Training job completed on <span class="bold">{{.Host}}</span> at {{.TS.Format "2006-01-02T15:04:05Z07:00"}}</p>
		<ul>
			<li>Job: <span class="bold">{{.JobID}}</span></li>
			<li>Model: <span class="bold">{{.BaseModel}}</span></li>
			<li>Adapter: <span class="bold">{{.AdapterPath}}</span></li>
			{{if .Duration}}<li>Duration: <span class="bold">{{.Duration}}</span></li>{{end}}
		</ul>
	</body>
</html>
`
