// Package checkpoint stores the gateway session on disk so a restarted
// process can resume it.
package checkpoint

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Session is the resumable part of a gateway session.
type Session struct {
	SessionID string
	Seq       int64
	SavedAt   time.Time
}

// FileStore keeps one Session in a protobuf-encoded file. Checkpoints
// older than maxAge are ignored on load.
type FileStore struct {
	path   string
	maxAge time.Duration
	now    func() time.Time
}

// NewFileStore creates a store at path. A zero maxAge never expires.
func NewFileStore(path string, maxAge time.Duration) *FileStore {
	return &FileStore{
		path:   path,
		maxAge: maxAge,
		now:    time.Now,
	}
}

// Path returns the checkpoint file location.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the checkpoint. It reports false when there is none or it has
// expired.
func (s *FileStore) Load() (Session, bool, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	sess, err := decode(data)
	if err != nil {
		return Session{}, false, err
	}
	if s.maxAge > 0 && s.now().Sub(sess.SavedAt) > s.maxAge {
		return Session{}, false, nil
	}
	return sess, true, nil
}

// Save replaces the checkpoint atomically.
func (s *FileStore) Save(sess Session) error {
	data, err := encode(sess)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".checkpoint-*")
	if err != nil {
		return fmt.Errorf("failed to create checkpoint: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to replace checkpoint: %w", err)
	}
	return nil
}

// Clear removes the checkpoint.
func (s *FileStore) Clear() error {
	err := os.Remove(s.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove checkpoint: %w", err)
	}
	return nil
}

func encode(sess Session) ([]byte, error) {
	st, err := structpb.NewStruct(map[string]any{
		"session_id": sess.SessionID,
		"seq":        strconv.FormatInt(sess.Seq, 10),
		"saved_at":   sess.SavedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	data, err := proto.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	return data, nil
}

func decode(data []byte) (Session, error) {
	var st structpb.Struct
	if err := proto.Unmarshal(data, &st); err != nil {
		return Session{}, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	fields := st.GetFields()

	savedAt, err := time.Parse(time.RFC3339Nano, fields["saved_at"].GetStringValue())
	if err != nil {
		return Session{}, fmt.Errorf("failed to decode checkpoint time: %w", err)
	}
	// Struct numbers are doubles, so seq is kept as a decimal string.
	seq, err := strconv.ParseInt(fields["seq"].GetStringValue(), 10, 64)
	if err != nil {
		return Session{}, fmt.Errorf("failed to decode checkpoint sequence: %w", err)
	}
	return Session{
		SessionID: fields["session_id"].GetStringValue(),
		Seq:       seq,
		SavedAt:   savedAt,
	}, nil
}
