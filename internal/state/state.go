package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.room-sync/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	appBucket   = []byte("app")
	tokenKey    = []byte("token")
	userIDKey   = []byte("user_id")
	deviceIDKey = []byte("device_id")

	syncBucket  = []byte("sync")
	roomsBucket = []byte("rooms")
)

// Session is the cached login of the syncing account.
type Session struct {
	AccessToken string
	UserID      string
	DeviceID    string
}

// RoomState is what the daemon remembers about a room between runs.
type RoomState struct {
	Encrypted bool  `json:"encrypted"`
	SeenAt    int64 `json:"seen_at"`
}

// State wraps a bbolt database for all persistent application state.
type State struct {
	db *bolt.DB
}

// Load opens the state database at ~/.room-sync/state.db, creating it
// if it does not exist.
func Load() (*State, error) {
	return LoadAt(dbPath())
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{appBucket, syncBucket, roomsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// Session returns the cached login. AccessToken is empty when there is none.
func (s *State) Session() Session {
	var sess Session

	_ = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(appBucket)
		sess.AccessToken = string(b.Get(tokenKey))
		sess.UserID = string(b.Get(userIDKey))
		sess.DeviceID = string(b.Get(deviceIDKey))

		return nil
	})

	return sess
}

// SetSession persists the login.
func (s *State) SetSession(sess Session) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(appBucket)
		if err := b.Put(tokenKey, []byte(sess.AccessToken)); err != nil {
			return err
		}

		if err := b.Put(userIDKey, []byte(sess.UserID)); err != nil {
			return err
		}

		return b.Put(deviceIDKey, []byte(sess.DeviceID))
	})
}

// ClearSession forgets the cached login and every sync position, which
// are only valid for the token that created them.
func (s *State) ClearSession() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(appBucket)
		for _, k := range [][]byte{tokenKey, userIDKey, deviceIDKey} {
			if err := b.Delete(k); err != nil {
				return err
			}
		}

		if err := tx.DeleteBucket(syncBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucket(syncBucket)

		return err
	})
}

// SyncPos returns the stored position for a sync connection, or empty string.
func (s *State) SyncPos(connID string) string {
	var pos string

	_ = s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(syncBucket).Get([]byte(connID)); v != nil {
			pos = string(v)
		}

		return nil
	})

	return pos
}

// SetSyncPos persists the position for a sync connection. An empty pos
// deletes it.
func (s *State) SetSyncPos(connID, pos string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(syncBucket)
		if pos == "" {
			return b.Delete([]byte(connID))
		}

		return b.Put([]byte(connID), []byte(pos))
	})
}

// Room returns the stored state of a room, or nil if not found.
func (s *State) Room(roomID string) (*RoomState, error) {
	var rs *RoomState

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(roomsBucket).Get([]byte(roomID))
		if v == nil {
			return nil
		}

		rs = &RoomState{}

		return json.Unmarshal(v, rs)
	})

	return rs, err
}

// SetRoom persists the state of a room.
func (s *State) SetRoom(roomID string, rs RoomState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(rs)
		if err != nil {
			return err
		}

		return tx.Bucket(roomsBucket).Put([]byte(roomID), data)
	})
}

// AllRooms returns every stored room.
func (s *State) AllRooms() (map[string]RoomState, error) {
	rooms := make(map[string]RoomState)

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(roomsBucket).ForEach(func(k, v []byte) error {
			var rs RoomState
			if err := json.Unmarshal(v, &rs); err != nil {
				return fmt.Errorf("decoding room %s: %w", k, err)
			}

			rooms[string(k)] = rs

			return nil
		})
	})

	return rooms, err
}

// RoomCount returns the number of stored rooms.
func (s *State) RoomCount() int {
	var count int

	_ = s.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(roomsBucket).Stats().KeyN

		return nil
	})

	return count
}

func dbPath() string {
	dir, err := os.UserHomeDir()
	if err != nil {
		// Fail loudly rather than silently writing to the current directory
		// where the database (containing access tokens) might end up with
		// wrong permissions or inside a source-controlled tree.
		fmt.Fprintf(os.Stderr, "fatal: cannot determine home directory: %v\n", err)
		os.Exit(1)
	}

	return filepath.Join(dir, ".room-sync", "state.db")
}
