package usecase

import (
	"fmt"
	"strings"
	"time"

	"github.com/Xausdorf/reactpoll/internal/domain"
)

const cancelCommand = "/poll cancel"

func marker(name string) string {
	return ":" + name + ":"
}

func promptText(poll *domain.Poll) string {
	seconds := int(poll.Deadline.Sub(poll.CreatedAt).Round(time.Second) / time.Second)
	return fmt.Sprintf("Vote using emoji reactions. "+
		"You have %d seconds from when the poll appears. "+
		"Max one vote per user. "+
		"To change your vote, clear your original selection first. "+
		"The poll author may not cast a vote. "+
		"The poll author may cancel the poll using `%s %s`",
		seconds, cancelCommand, poll.Code)
}

func promptEmbed(poll *domain.Poll) Embed {
	lines := make([]string, len(poll.Options))
	for i, opt := range poll.Options {
		lines[i] = fmt.Sprintf("%s %s", marker(poll.Markers[i]), opt)
	}
	return Embed{Title: poll.Prompt, Author: poll.OwnerID, Lines: lines}
}

func resultEmbed(poll *domain.Poll, counts []int) Embed {
	embed := promptEmbed(poll)
	for i := range embed.Lines {
		embed.Lines[i] = fmt.Sprintf("%s (%d)", embed.Lines[i], counts[i])
	}
	return embed
}

// resultTexts returns the new display content and the channel announcement of an expired poll.
func resultTexts(poll *domain.Poll, counts []int, link string) (display string, announcement string) {
	winner, ok := winnerOf(counts)
	if !ok {
		return "Poll closed, there is no winner",
			fmt.Sprintf("Poll `%s` has ended. No votes were recorded.\n\nFull results: %s", poll.Code, link)
	}
	m := marker(poll.Markers[winner])
	return fmt.Sprintf("Poll closed, the winner is %s", m),
		fmt.Sprintf("Poll `%s` has ended. The winner is %s %s with %d vote(s).\n\nFull results: %s",
			poll.Code, m, poll.Options[winner], counts[winner], link)
}

func cancelTexts(poll *domain.Poll) (display string, announcement string) {
	return "The poll was cancelled.", fmt.Sprintf("Poll `%s` was cancelled by its author.", poll.Code)
}

// ListText renders open polls for the list command.
func ListText(polls []PollView) string {
	if len(polls) == 0 {
		return "No running polls"
	}
	var b strings.Builder
	b.WriteString("Running polls:")
	for _, p := range polls {
		fmt.Fprintf(&b, "\n* `%s` %s (%d options, closes in %s)",
			p.Code, p.Prompt, len(p.Options), p.Remaining.Round(time.Second))
	}
	return b.String()
}
