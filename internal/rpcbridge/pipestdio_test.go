package rpcbridge

import (
	"bufio"
	"io"
	"testing"
)

// pipeStdio stands in for an agent subprocess's stdin/stdout during tests:
// writes the bridge makes to "stdin" are readable via stdinReader, and
// writes made via writeToStdout are readable by the bridge's read loop.
type pipeStdio struct {
	stdinReader *io.PipeReader
	stdinWriter *io.PipeWriter
	stdoutReader *io.PipeReader
	stdoutWriter *io.PipeWriter
}

func newPipeStdio() *pipeStdio {
	sr, sw := io.Pipe()
	or, ow := io.Pipe()
	return &pipeStdio{
		stdinReader:  sr,
		stdinWriter:  sw,
		stdoutReader: or,
		stdoutWriter: ow,
	}
}

func (p *pipeStdio) readWrittenLine(t *testing.T) []byte {
	t.Helper()
	reader := bufio.NewReader(p.stdinReader)
	line, err := reader.ReadBytes('\n')
	if err != nil && err != io.EOF {
		t.Fatalf("read written line: %v", err)
	}
	return line
}

func (p *pipeStdio) readWrittenLineAsync() <-chan []byte {
	ch := make(chan []byte, 1)
	go func() {
		reader := bufio.NewReader(p.stdinReader)
		line, _ := reader.ReadBytes('\n')
		ch <- line
	}()
	return ch
}

func (p *pipeStdio) writeToStdout(t *testing.T, line []byte) {
	t.Helper()
	go func() {
		p.stdoutWriter.Write(append(line, '\n'))
	}()
}
