package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// readPassword and isTerminal are test seams for the terminal.
var (
	readPassword = term.ReadPassword
	isTerminal   = term.IsTerminal
)

// readSecret prompts on w and reads a secret. A terminal on in is read
// without echo; anything else (a pipe, a test) is read up to the first
// newline. The caller wipes the result.
func readSecret(in io.Reader, w io.Writer, prompt string) ([]byte, error) {
	if _, err := fmt.Fprint(w, prompt+": "); err != nil {
		return nil, err
	}

	if f, ok := in.(*os.File); ok && isTerminal(int(f.Fd())) {
		secret, err := readPassword(int(f.Fd()))
		fmt.Fprintln(w)
		if err != nil {
			return nil, err
		}
		return trimSecret(secret)
	}

	line, err := bufio.NewReader(in).ReadBytes('\n')
	if err != nil && !(errors.Is(err, io.EOF) && len(line) > 0) {
		return nil, fmt.Errorf("read secret: %w", err)
	}
	return trimSecret(line)
}

func trimSecret(b []byte) ([]byte, error) {
	n := len(b)
	for n > 0 && strings.ContainsRune(" \t\r\n", rune(b[n-1])) {
		n--
	}
	if n == 0 {
		return nil, errors.New("empty secret")
	}
	for i := n; i < len(b); i++ {
		b[i] = 0
	}
	return b[:n], nil
}
