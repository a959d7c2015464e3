package resp

import (
	"bufio"
	"errors"
	"io"
	"strconv"
	"strings"
)

// ErrProtocol is returned when the data read is not valid RESP.
var ErrProtocol = errors.New("resp: protocol error")

// ReadRequest reads a command sent by a client: an array of bulk strings
// with at least one element. Inline commands (space-separated words
// terminated by a newline, as sent by telnet) are accepted too.
func ReadRequest(r *bufio.Reader) ([]string, error) {
	b, err := r.Peek(1)
	if err != nil {
		return nil, err
	}
	if b[0] != '*' {
		line, err := readLine(r)
		if err != nil {
			return nil, err
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			return nil, ErrProtocol
		}
		return fields, nil
	}

	v, err := ReadValue(r)
	if err != nil {
		return nil, err
	}
	arr, ok := v.([]interface{})
	if !ok || len(arr) == 0 {
		return nil, ErrProtocol
	}
	cmd := make([]string, len(arr))
	for i, el := range arr {
		s, ok := el.(string)
		if !ok {
			return nil, ErrProtocol
		}
		cmd[i] = s
	}
	return cmd, nil
}

// ReadValue reads a single value. Status replies are returned as
// SimpleString, errors as Error, integers as int64, bulk strings as string
// and arrays as []interface{}. Null bulk strings and null arrays are
// returned as nil.
func ReadValue(r *bufio.Reader) (interface{}, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	line, err := readLine(r)
	if err != nil {
		return nil, err
	}

	switch prefix {
	case '+':
		return SimpleString(line), nil
	case '-':
		return Error(line), nil
	case ':':
		return parseInt(line)

	case '$':
		n, err := parseInt(line)
		if err != nil || n < -1 {
			return nil, ErrProtocol
		}
		if n == -1 {
			return nil, nil
		}
		buf := make([]byte, n+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		if buf[n] != '\r' || buf[n+1] != '\n' {
			return nil, ErrProtocol
		}
		return string(buf[:n]), nil

	case '*':
		n, err := parseInt(line)
		if err != nil || n < -1 {
			return nil, ErrProtocol
		}
		if n == -1 {
			return nil, nil
		}
		arr := make([]interface{}, n)
		for i := range arr {
			if arr[i], err = ReadValue(r); err != nil {
				return nil, err
			}
		}
		return arr, nil

	default:
		return nil, ErrProtocol
	}
}

// readLine reads up to and including the next \r\n and returns the line
// without it.
func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		if err == io.EOF && line != "" {
			err = io.ErrUnexpectedEOF
		}
		return "", err
	}
	if len(line) < 2 || line[len(line)-2] != '\r' {
		return "", ErrProtocol
	}
	return line[:len(line)-2], nil
}

func parseInt(s string) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, ErrProtocol
	}
	return n, nil
}
