// Package expect automates interactive programs over a pseudo-terminal.
//
// A Session spawns a child attached to a PTY, then drives it with commands,
// waiting after each one for any of an ordered list of prompt patterns:
//
//	s, err := expect.New(ctx, expect.Config{
//	    Cmd:           []string{"sh"},
//	    Env:           []string{"PS1=$ "},
//	    Prompt:        []expect.Pattern{expect.Literal("$ ")},
//	    DisconnectCmd: "exit",
//	    Timeout:       5 * time.Second,
//	})
//	if err != nil {
//	    return err
//	}
//	defer s.Close()
//
//	if err := s.Send(ctx, "echo hi"); err != nil {
//	    return err
//	}
//	fmt.Print(s.Before())
//
// Failed waits are classified as ErrTimedOut, ErrTerminated or
// ErrCommunication. Match state (MatchIndex, Match, Before, After) always
// describes the last successful wait.
package expect
