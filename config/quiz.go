package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
)

// Specification is a set of config values for a protocol. One needs to be defined per supported protocol.
type specification struct {
	protocol string
	options  []option
}

// Option represents a configuration value that we will ask the user for.
type option struct {
	key      string
	prompt   string
	optional bool
	process  func(string) (string, error)
}

var specifications = []specification{https, wss, tcp, redis}

func protocols() []string {
	names := make([]string, 0, len(specifications))
	for _, s := range specifications {
		names = append(names, s.protocol)
	}
	return names
}

func specFor(protocol string) (specification, bool) {
	for _, s := range specifications {
		if s.protocol == protocol {
			return s, true
		}
	}
	return specification{}, false
}

// Configure launches the quiz that asks the user for configuration values.
// The resulting configuration is written to the working directory and the filename is returned.
func Configure() (string, error) {
	conf, err := newQuiz(os.Stdin, os.Stdout).run()
	if err != nil {
		return "", err
	}
	return writeConfig(conf)
}

type quiz struct {
	r *bufio.Reader
	w io.Writer
}

func newQuiz(r io.Reader, w io.Writer) *quiz {
	return &quiz{r: bufio.NewReader(r), w: w}
}

func (q *quiz) run() (Configuration, error) {
	protocol, err := q.answer(fmt.Sprintf("Which protocol do you want to use?\nChoose from {%s}\n> ", strings.Join(protocols(), ", ")),
		func(resp string) (string, error) {
			if _, ok := specFor(resp); !ok {
				return "", errors.New("invalid protocol")
			}
			return resp, nil
		})
	if err != nil {
		return nil, err
	}
	spec, _ := specFor(protocol)

	config := make(Configuration)
	config[KeyProtocol] = spec.protocol
	config[KeyAuthToken] = generateAuthToken()
	for _, o := range spec.options {
		process := o.process
		if o.optional {
			process = func(resp string) (string, error) {
				if resp == "" {
					return "", nil
				}
				return o.process(resp)
			}
		}
		v, err := q.answer(o.prompt, process)
		if err != nil {
			return nil, err
		}
		if v != "" {
			config[o.key] = v
		}
	}
	return config, nil
}

// answer asks until verify accepts the response.
func (q *quiz) answer(prompt string, verify func(string) (string, error)) (string, error) {
	for {
		fmt.Fprintf(q.w, "\n%s", prompt)
		text, err := q.r.ReadString('\n')
		if err != nil && (text == "" || !errors.Is(err, io.EOF)) {
			return "", fmt.Errorf("reading answer: %w", err)
		}
		data, verr := verify(strings.TrimSpace(text))
		if verr == nil {
			return data, nil
		}
		if err != nil {
			return "", verr
		}
		fmt.Fprintln(q.w, color.HiRedString("error: %s", verr))
	}
}
