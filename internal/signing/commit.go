package signing

import (
	"fmt"
	"strings"
	"time"
)

// Identity is a commit author or committer
type Identity struct {
	Name  string
	Email string
	Date  time.Time
}

func (id Identity) line(role string) string {
	return fmt.Sprintf("%s %s <%s> %d %s", role, id.Name, id.Email, id.Date.Unix(), id.Date.Format("-0700"))
}

// CommitPayload renders the text the platform verifies a commit signature
// against: the raw commit object without its gpgsig header.
func CommitPayload(tree string, parents []string, author, committer Identity, message string) string {
	var b strings.Builder
	if tree != "" {
		b.WriteString("tree " + tree + "\n")
	}
	for _, p := range parents {
		b.WriteString("parent " + p + "\n")
	}
	b.WriteString(author.line("author") + "\n")
	b.WriteString(committer.line("committer") + "\n\n")
	b.WriteString(message)
	return b.String()
}
