package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"
	log "github.com/sirupsen/logrus"
)

// SlackNotifier posts job notices to a Slack incoming webhook. Server
// errors and transport failures are retried; a 4xx answer is final.
type SlackNotifier struct {
	webhookURL string
	client     *http.Client
	attempts   uint
	delay      time.Duration
}

type slackPayload struct {
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments"`
}

type slackAttachment struct {
	Fallback  string       `json:"fallback"`
	Color     string       `json:"color"`
	Title     string       `json:"title"`
	TitleLink string       `json:"title_link,omitempty"`
	Text      string       `json:"text"`
	Fields    []slackField `json:"fields,omitempty"`
	Footer    string       `json:"footer"`
	Ts        int64        `json:"ts"`
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// NewSlackNotifier creates a notifier for webhookURL. An empty URL
// disables it.
func NewSlackNotifier(webhookURL string) *SlackNotifier {
	return &SlackNotifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
		attempts:   3,
		delay:      2 * time.Second,
	}
}

// SlackColor returns the attachment color for a notification type
func SlackColor(t NotificationType) string {
	switch t {
	case NotifySuccess:
		return "good"
	case NotifyWarning:
		return "warning"
	case NotifyError:
		return "danger"
	default:
		return "#439FE0"
	}
}

// buildSlackPayload lays n out as one attachment: the job's coordinates as
// short fields, the outcome as text and the merged report as title link.
func buildSlackPayload(n Notification) slackPayload {
	att := slackAttachment{
		Fallback:  n.Title + ": " + n.Message,
		Color:     SlackColor(n.Type),
		Title:     n.Title,
		TitleLink: n.ReportURL,
		Text:      n.Message,
		Footer:    "coreci job " + n.JobID,
		Ts:        n.At.Unix(),
	}
	for _, f := range n.Fields {
		att.Fields = append(att.Fields, slackField{Title: f.Name, Value: f.Value, Short: len(f.Value) < 40})
	}
	return slackPayload{Text: n.Title, Attachments: []slackAttachment{att}}
}

// Send posts n to the webhook
func (s *SlackNotifier) Send(n Notification) error {
	if s.webhookURL == "" {
		return nil
	}
	body, err := json.Marshal(buildSlackPayload(n))
	if err != nil {
		return err
	}

	return retry.Do(
		func() error { return s.post(body) },
		retry.Attempts(s.attempts),
		retry.Delay(s.delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			_, final := err.(webhookRejected)
			return !final
		}),
		retry.OnRetry(func(attempt uint, err error) {
			log.WithField("job", n.JobID).WithField("attempt", attempt+1).
				WithError(err).Debug("notify: slack delivery failed, retrying")
		}),
	)
}

type webhookRejected int

func (w webhookRejected) Error() string {
	return fmt.Sprintf("slack rejected the webhook call with %d", int(w))
}

func (s *SlackNotifier) post(body []byte) error {
	resp, err := s.client.Post(s.webhookURL, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return webhookRejected(resp.StatusCode)
	default:
		return fmt.Errorf("slack returned %d", resp.StatusCode)
	}
}
