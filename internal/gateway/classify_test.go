package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austindbirch/harborbot/internal/task"
)

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func testRules() Rules {
	return Rules{BotHandle: "harborbot", Now: func() time.Time { return fixedNow }}
}

const prOpened = `{
  "action": "opened",
  "number": 7,
  "pull_request": {"number": 7, "state": "open", "head": {"sha": "deadbeef", "ref": "feature/x"}},
  "repository": {"name": "widgets", "owner": {"login": "acme"}},
  "installation": {"id": 42}
}`

func commentEvent(action, login, body string, onPR bool) string {
	pr := ""
	if onPR {
		pr = `, "pull_request": {"url": "https://api.github.com/repos/acme/widgets/pulls/7"}`
	}
	return `{
  "action": "` + action + `",
  "issue": {"number": 7` + pr + `},
  "comment": {"body": ` + quote(body) + `, "user": {"login": "` + login + `"}},
  "repository": {"name": "widgets", "owner": {"login": "acme"}},
  "installation": {"id": 42}
}`
}

func quote(s string) string {
	out := []byte{'"'}
	for _, r := range s {
		switch r {
		case '"':
			out = append(out, '\\', '"')
		case '\n':
			out = append(out, '\\', 'n')
		default:
			out = append(out, string(r)...)
		}
	}
	return string(append(out, '"'))
}

func types(envs []task.Envelope) []task.Type {
	out := make([]task.Type, 0, len(envs))
	for _, e := range envs {
		out = append(out, e.Type)
	}
	return out
}

func TestClassifyPullRequestOpened(t *testing.T) {
	envs, err := testRules().Classify("pull_request", "abc123", []byte(prOpened))
	require.NoError(t, err)
	require.Equal(t, []task.Type{task.TypeLabel, task.TypeTriggerCI}, types(envs))

	label := envs[0]
	assert.Equal(t, "abc123:label", label.ID)
	assert.Equal(t, "abc123", label.DeliveryID)
	assert.Equal(t, "pull_request.opened", label.Event)
	assert.Equal(t, int64(42), label.Installation)
	assert.Equal(t, task.Repository{Owner: "acme", Name: "widgets"}, label.Repository)
	assert.Equal(t, 7, label.Number)
	assert.Equal(t, "deadbeef", label.HeadSHA)
	assert.Equal(t, "feature/x", label.HeadRef)
	assert.Equal(t, fixedNow, label.ReceivedAt)
	assert.Equal(t, 0, label.Attempt)
	assert.Equal(t, []string{"needs-review"}, label.PayloadStrings("labels"))

	for _, e := range envs {
		assert.NoError(t, e.Validate())
	}
}

func TestClassifyCustomOpenedLabels(t *testing.T) {
	r := testRules()
	r.OpenedLabels = []string{"triage", "bot"}
	envs, err := r.Classify("pull_request", "d", []byte(prOpened))
	require.NoError(t, err)
	assert.Equal(t, []string{"triage", "bot"}, envs[0].PayloadStrings("labels"))
}

func TestClassifyTable(t *testing.T) {
	tests := []struct {
		name  string
		event string
		body  string
		want  []task.Type
	}{
		{
			name:  "ping is ignored",
			event: "ping",
			body:  `{"zen": "Keep it logically awesome."}`,
			want:  []task.Type{},
		},
		{
			name:  "unknown event is ignored",
			event: "deployment",
			body:  `not even json`,
			want:  []task.Type{},
		},
		{
			name:  "synchronize triggers ci",
			event: "pull_request",
			body:  `{"action": "synchronize", "number": 7, "pull_request": {"head": {"sha": "b"}}, "repository": {"name": "w", "owner": {"login": "a"}}}`,
			want:  []task.Type{task.TypeTriggerCI},
		},
		{
			name:  "reopened triggers ci",
			event: "pull_request",
			body:  `{"action": "reopened", "number": 7, "repository": {"name": "w", "owner": {"login": "a"}}}`,
			want:  []task.Type{task.TypeTriggerCI},
		},
		{
			name:  "closed is ignored",
			event: "pull_request",
			body:  `{"action": "closed", "number": 7, "repository": {"name": "w", "owner": {"login": "a"}}}`,
			want:  []task.Type{},
		},
		{
			name:  "approval labels",
			event: "pull_request_review",
			body:  `{"action": "submitted", "review": {"state": "APPROVED"}, "pull_request": {"number": 7}, "repository": {"name": "w", "owner": {"login": "a"}}}`,
			want:  []task.Type{task.TypeLabel},
		},
		{
			name:  "comment review is ignored",
			event: "pull_request_review",
			body:  `{"action": "submitted", "review": {"state": "commented"}, "pull_request": {"number": 7}, "repository": {"name": "w", "owner": {"login": "a"}}}`,
			want:  []task.Type{},
		},
		{
			name:  "merge command",
			event: "issue_comment",
			body:  commentEvent("created", "octocat", "@harborbot please merge", true),
			want:  []task.Type{task.TypeMerge},
		},
		{
			name:  "sign-merge command without please",
			event: "issue_comment",
			body:  commentEvent("created", "octocat", "@HarborBot sign-merge\nthanks!", true),
			want:  []task.Type{task.TypeSignCommit},
		},
		{
			name:  "rerun command",
			event: "issue_comment",
			body:  commentEvent("created", "octocat", "@harborbot please rerun", true),
			want:  []task.Type{task.TypeTriggerCI},
		},
		{
			name:  "unknown command gets help",
			event: "issue_comment",
			body:  commentEvent("created", "octocat", "@harborbot please dance", true),
			want:  []task.Type{task.TypeComment},
		},
		{
			name:  "label without args gets help",
			event: "issue_comment",
			body:  commentEvent("created", "octocat", "@harborbot please label", true),
			want:  []task.Type{task.TypeComment},
		},
		{
			name:  "mention not at start is ignored",
			event: "issue_comment",
			body:  commentEvent("created", "octocat", "thanks @harborbot", true),
			want:  []task.Type{},
		},
		{
			name:  "comment on plain issue is ignored",
			event: "issue_comment",
			body:  commentEvent("created", "octocat", "@harborbot please merge", false),
			want:  []task.Type{},
		},
		{
			name:  "edited comment is ignored",
			event: "issue_comment",
			body:  commentEvent("edited", "octocat", "@harborbot please merge", true),
			want:  []task.Type{},
		},
		{
			name:  "bot's own comment is ignored",
			event: "issue_comment",
			body:  commentEvent("created", "harborbot[bot]", "@harborbot please merge", true),
			want:  []task.Type{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			envs, err := testRules().Classify(tt.event, "d1", []byte(tt.body))
			require.NoError(t, err)
			assert.Equal(t, tt.want, types(envs))
		})
	}
}

func TestClassifyCommandPayloads(t *testing.T) {
	envs, err := testRules().Classify("issue_comment", "d1",
		[]byte(commentEvent("created", "octocat", "@harborbot please label bug docs", true)))
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, "issue_comment.created", envs[0].Event)
	assert.Equal(t, 7, envs[0].Number)
	assert.Equal(t, []string{"bug", "docs"}, envs[0].PayloadStrings("labels"))
	assert.Equal(t, "octocat", envs[0].PayloadString("requested_by"))

	envs, err = testRules().Classify("issue_comment", "d2",
		[]byte(commentEvent("created", "octocat", "@harborbot please dance", true)))
	require.NoError(t, err)
	body := envs[0].PayloadString("body")
	assert.Contains(t, body, "@octocat I do not know how to `dance`.")
	assert.Contains(t, body, "`@harborbot please merge`")
	assert.Contains(t, body, "`@harborbot please sign-merge`")
}

func TestClassifyMalformed(t *testing.T) {
	for _, event := range []string{"pull_request", "pull_request_review", "issue_comment"} {
		_, err := testRules().Classify(event, "d1", []byte(`{"action": `))
		assert.ErrorIs(t, err, ErrMalformedPayload, event)
	}
}

func TestClassifyWithoutBotHandleIgnoresComments(t *testing.T) {
	envs, err := Rules{}.Classify("issue_comment", "d1",
		[]byte(commentEvent("created", "octocat", "@harborbot please merge", true)))
	require.NoError(t, err)
	assert.Empty(t, envs)
}
