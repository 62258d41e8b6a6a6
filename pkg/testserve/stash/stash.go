// Package stash is the client for the server-hosted key-value registry that
// lets uncorrelated requests, possibly on different connections or in
// different processes, exchange data. Entries are write-once and read-once:
// a put for an existing key fails, and the first take removes the value.
package stash

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/albertbausili/testserve/internal/stashd"
)

// EnvVar carries the registry connection parameters between processes as a
// JSON-encoded ["host:port", base64(authkey)] pair.
const EnvVar = "TESTSERVE_STASH"

// ErrAbsent is returned by Take when no entry exists for the key. Callers
// poll or coordinate timing themselves; absence is not a failure.
var ErrAbsent = errors.New("stash: no value for key")

// EncodeEnv formats the registry address and auth key for EnvVar.
func EncodeEnv(addr string, authKey []byte) string {
	b, _ := json.Marshal([2]string{addr, base64.StdEncoding.EncodeToString(authKey)})
	return string(b)
}

// DecodeEnv parses an EnvVar value back into address and auth key.
func DecodeEnv(value string) (addr string, authKey []byte, err error) {
	var pair [2]string
	if err := json.Unmarshal([]byte(value), &pair); err != nil {
		return "", nil, fmt.Errorf("stash: malformed %s value: %w", EnvVar, err)
	}
	key, err := base64.StdEncoding.DecodeString(pair[1])
	if err != nil {
		return "", nil, fmt.Errorf("stash: malformed auth key: %w", err)
	}
	return pair[0], key, nil
}

// Stash talks to the registry daemon. Each operation opens a fresh
// connection, so a Stash is safe for concurrent use and cheap to copy.
type Stash struct {
	addr        string
	auth        string
	DefaultPath string
	DialTimeout time.Duration
}

// New creates a Stash for the daemon at addr. defaultPath scopes keys for
// operations that do not pass an explicit path.
func New(addr string, authKey []byte, defaultPath string) *Stash {
	return &Stash{
		addr:        addr,
		auth:        base64.StdEncoding.EncodeToString(authKey),
		DefaultPath: defaultPath,
		DialTimeout: 10 * time.Second,
	}
}

// NewFromEnv creates a Stash from the EnvVar connection parameters.
func NewFromEnv(defaultPath string) (*Stash, error) {
	value := os.Getenv(EnvVar)
	if value == "" {
		return nil, fmt.Errorf("stash: %s not set", EnvVar)
	}
	addr, key, err := DecodeEnv(value)
	if err != nil {
		return nil, err
	}
	return New(addr, key, defaultPath), nil
}

// Put stores value under key at the default path. The key must be a UUID
// string. Storing to an existing key is an error.
func (s *Stash) Put(key string, value any) error {
	return s.PutPath(s.DefaultPath, key, value)
}

// PutPath is Put with an explicit path.
func (s *Stash) PutPath(path, key string, value any) error {
	id, err := normalizeKey(key)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("stash: encode value: %w", err)
	}
	resp, err := s.roundTrip(stashd.Request{Op: stashd.OpPut, Path: path, Key: id, Value: raw})
	if err != nil {
		return err
	}
	if !resp.OK {
		return errors.New("stash: " + resp.Error)
	}
	return nil
}

// Take removes and returns the value under key at the default path,
// unmarshalling it into out. It returns ErrAbsent when no entry exists;
// under concurrent takes of one key exactly one caller gets the value.
func (s *Stash) Take(key string, out any) error {
	return s.TakePath(s.DefaultPath, key, out)
}

// TakePath is Take with an explicit path.
func (s *Stash) TakePath(path, key string, out any) error {
	id, err := normalizeKey(key)
	if err != nil {
		return err
	}
	resp, err := s.roundTrip(stashd.Request{Op: stashd.OpTake, Path: path, Key: id})
	if err != nil {
		return err
	}
	if !resp.OK {
		return errors.New("stash: " + resp.Error)
	}
	if !resp.Present {
		return ErrAbsent
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(resp.Value, out)
}

// Lock acquires the distributed lock for (path, key), blocking until the
// current holder releases it. The returned function releases the lock.
func (s *Stash) Lock(key string) (unlock func() error, err error) {
	return s.LockPath(s.DefaultPath, key)
}

// LockPath is Lock with an explicit path.
func (s *Stash) LockPath(path, key string) (unlock func() error, err error) {
	id, err := normalizeKey(key)
	if err != nil {
		return nil, err
	}
	resp, err := s.roundTrip(stashd.Request{Op: stashd.OpLock, Path: path, Key: id})
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, errors.New("stash: " + resp.Error)
	}
	return func() error {
		resp, err := s.roundTrip(stashd.Request{Op: stashd.OpUnlock, Path: path, Key: id})
		if err != nil {
			return err
		}
		if !resp.OK {
			return errors.New("stash: " + resp.Error)
		}
		return nil
	}, nil
}

func (s *Stash) roundTrip(req stashd.Request) (stashd.Response, error) {
	var resp stashd.Response

	nc, err := net.DialTimeout("tcp", s.addr, s.DialTimeout)
	if err != nil {
		return resp, fmt.Errorf("stash: dial %s: %w", s.addr, err)
	}
	defer nc.Close()

	req.Auth = s.auth
	line, err := json.Marshal(req)
	if err != nil {
		return resp, err
	}
	if _, err := nc.Write(append(line, '\n')); err != nil {
		return resp, fmt.Errorf("stash: write: %w", err)
	}

	reply, err := bufio.NewReader(nc).ReadBytes('\n')
	if err != nil {
		return resp, fmt.Errorf("stash: read reply: %w", err)
	}
	if err := json.Unmarshal(reply, &resp); err != nil {
		return resp, fmt.Errorf("stash: malformed reply: %w", err)
	}
	return resp, nil
}

// normalizeKey validates that key is a UUID and returns its canonical
// lowercase form, so equivalent spellings land on the same entry.
func normalizeKey(key string) (string, error) {
	id, err := uuid.Parse(strings.TrimSpace(key))
	if err != nil {
		return "", fmt.Errorf("stash: key %q is not a UUID: %w", key, err)
	}
	return id.String(), nil
}
