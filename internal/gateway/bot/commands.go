package bot

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Xausdorf/reactpoll/internal/usecase"
)

const (
	commandPrefix     = "/poll"
	pollCreateMinArgs = 3
	pollCodeArgsCount = 1
)

// usageError is shown to the user as is.
type usageError string

func (e usageError) Error() string { return string(e) }

const (
	errBadQuotes       usageError = "Could not read the command, check the quotes"
	errBadTimeout      usageError = "Timeout must be a positive number of seconds"
	errTooFewArgs      usageError = "Too few arguments. A poll needs a question and at least two options"
	errCodeArgRequired usageError = "There must be 1 argument: poll code"
)

// PollService is implemented by usecase.Registry.
type PollService interface {
	Create(ctx context.Context, req usecase.CreateRequest) (*usecase.Lifecycle, error)
	Cancel(ctx context.Context, code string, requesterID string) error
	Lookup(code string) (*usecase.Lifecycle, error)
	List() []usecase.PollView
}

type commandKind int

const (
	cmdHelp commandKind = iota
	cmdCreate
	cmdCancel
	cmdShow
	cmdList
)

type command struct {
	kind    commandKind
	code    string
	timeout time.Duration
	prompt  string
	options []string
}

const helpText = `Available commands:
* /poll create [seconds] "question" "option1" "option2" ... - starts a poll, vote with the emoji reactions on it.
IMPORTANT: question and options with spaces must be quoted. The poll runs for 60 seconds unless [seconds] is given.

* /poll cancel [code] - the author of a poll can cancel it.

* /poll show [code] - link to a running poll.

* /poll list - running polls.

* /poll help - info about commands`

// parseCommand reports ok=false when message is not a poll command at all.
func parseCommand(message string) (cmd command, ok bool, err error) {
	message = strings.TrimSpace(message)
	if message != commandPrefix && !strings.HasPrefix(message, commandPrefix+" ") {
		return command{}, false, nil
	}

	// CSV reading for splitting a string at spaces, except spaces inside quotation marks.
	r := csv.NewReader(strings.NewReader(message))
	r.Comma = ' '
	fields, err := r.Read()
	if err != nil {
		return command{}, true, errBadQuotes
	}

	var tokens []string
	for _, f := range fields[1:] {
		if f != "" {
			tokens = append(tokens, f)
		}
	}
	if len(tokens) == 0 {
		return command{kind: cmdHelp}, true, nil
	}

	args := tokens[1:]
	switch strings.ToLower(tokens[0]) {
	case "create", "start":
		return parseCreate(args)
	case "cancel", "close":
		code, err := codeArg(args)
		return command{kind: cmdCancel, code: code}, true, err
	case "show":
		code, err := codeArg(args)
		return command{kind: cmdShow, code: code}, true, err
	case "list":
		return command{kind: cmdList}, true, nil
	case "help":
		return command{kind: cmdHelp}, true, nil
	default:
		return command{}, true, usageError(fmt.Sprintf("Unknown command %q, see /poll help", tokens[0]))
	}
}

func parseCreate(args []string) (command, bool, error) {
	cmd := command{kind: cmdCreate}
	if len(args) > 0 {
		if seconds, err := strconv.Atoi(args[0]); err == nil {
			if seconds <= 0 {
				return cmd, true, errBadTimeout
			}
			cmd.timeout = time.Duration(seconds) * time.Second
			args = args[1:]
		}
	}
	if len(args) < pollCreateMinArgs {
		return cmd, true, errTooFewArgs
	}
	cmd.prompt = args[0]
	cmd.options = args[1:]
	return cmd, true, nil
}

func codeArg(args []string) (string, error) {
	if len(args) != pollCodeArgsCount {
		return "", errCodeArgRequired
	}
	return strings.ToUpper(args[0]), nil
}

type request struct {
	UserID    string
	ChannelID string
	PostID    string
}

type reply struct {
	text string
	// err is logged, never shown to the user.
	err error
}

type commandHandler struct {
	polls          PollService
	defaultTimeout func() time.Duration
}

func (h *commandHandler) execute(ctx context.Context, req request, cmd command) reply {
	switch cmd.kind {
	case cmdCreate:
		return h.create(ctx, req, cmd)
	case cmdCancel:
		return h.cancel(ctx, req, cmd)
	case cmdShow:
		return h.show(cmd)
	case cmdList:
		return reply{text: usecase.ListText(h.polls.List())}
	default:
		return reply{text: helpText}
	}
}

func (h *commandHandler) create(ctx context.Context, req request, cmd command) reply {
	timeout := cmd.timeout
	if timeout == 0 {
		timeout = h.defaultTimeout()
	}
	_, err := h.polls.Create(ctx, usecase.CreateRequest{
		Prompt:    cmd.prompt,
		Options:   cmd.options,
		Timeout:   timeout,
		OwnerID:   req.UserID,
		ChannelID: req.ChannelID,
		ContextID: req.PostID,
	})
	switch {
	case err == nil:
		// the poll post itself is the answer
		return reply{}
	case errors.Is(err, usecase.ErrValidation):
		return reply{text: "Could not start poll: " + strings.TrimPrefix(err.Error(), usecase.ErrValidation.Error()+": ")}
	default:
		return reply{text: "Failed to start poll. Try again", err: err}
	}
}

func (h *commandHandler) cancel(ctx context.Context, req request, cmd command) reply {
	err := h.polls.Cancel(ctx, cmd.code, req.UserID)
	switch {
	case err == nil:
		return reply{}
	case errors.Is(err, usecase.ErrPollNotFound):
		return reply{text: fmt.Sprintf("There is no running poll with code %s", cmd.code)}
	case errors.Is(err, usecase.ErrPermissionDenied):
		return reply{text: "You can not cancel this poll, only author can"}
	default:
		return reply{text: "Failed to cancel poll. Try again", err: err}
	}
}

func (h *commandHandler) show(cmd command) reply {
	l, err := h.polls.Lookup(cmd.code)
	if err != nil {
		return reply{text: fmt.Sprintf("There is no running poll with code %s", cmd.code)}
	}
	view := l.View()
	if !view.Live {
		return reply{text: fmt.Sprintf("Poll `%s`: %s\nWarning: the poll post could not be found after a restart, the link may be broken.",
			view.Code, view.Permalink)}
	}
	return reply{text: fmt.Sprintf("Poll `%s`: %s", view.Code, view.Permalink)}
}
