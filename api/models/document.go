// api/models/document.go
package models

import (
	"encoding/json"
	"path"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Document is a record in the replicated document store
type Document struct {
	Path      string                 `json:"path"`
	Version   uint64                 `json:"version"`
	Fields    map[string]interface{} `json:"fields"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// ID returns the last path segment
func (d *Document) ID() string {
	return path.Base(d.Path)
}

// DataTo decodes the document fields into v
func (d *Document) DataTo(v interface{}) error {
	data, err := json.Marshal(d.Fields)
	if err != nil {
		return ParseFailure("decode "+d.Path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return ParseFailure("decode "+d.Path, err)
	}
	return nil
}

// Array returns the array stored in field, or nil when absent
func (d *Document) Array(field string) []interface{} {
	arr, _ := d.Fields[field].([]interface{})
	return arr
}

// Clone returns a deep copy of the document
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	c := *d
	if d.Fields != nil {
		c.Fields = CloneValue(d.Fields).(map[string]interface{})
	}
	return &c
}

// CloneValue deep copies a JSON-shaped value
func CloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		m := make(map[string]interface{}, len(t))
		for k, val := range t {
			m[k] = CloneValue(val)
		}
		return m
	case []interface{}:
		s := make([]interface{}, len(t))
		for i, val := range t {
			s[i] = CloneValue(val)
		}
		return s
	default:
		return v
	}
}

// ToFields converts a struct into the JSON-shaped field map stored in a document
func ToFields(v interface{}) (map[string]interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	fields := map[string]interface{}{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

// Collection returns the collection path a document path belongs to
func Collection(docPath string) string {
	i := strings.LastIndex(docPath, "/")
	if i < 0 {
		return ""
	}
	return docPath[:i]
}

// ValidateID checks that id is usable as a single path segment. Ids that
// would nest below another document are rejected.
func ValidateID(kind, id string) error {
	if id == "" || id == "." || id == ".." || strings.Contains(id, "/") {
		return errors.Wrapf(ErrInvalidArgument, "invalid %s %q", kind, id)
	}
	return nil
}

// Persisted layout.

func UserPath(uid string) string { return "users/" + uid }

func MembershipCollection(uid string) string { return UserPath(uid) + "/sessions" }

func MembershipPath(uid, sessionID string) string {
	return MembershipCollection(uid) + "/" + sessionID
}

const SessionsCollection = "sessions"

func SessionPath(sessionID string) string { return SessionsCollection + "/" + sessionID }

func SessionFilamentsCollection(sessionID string) string {
	return SessionPath(sessionID) + "/filaments"
}

func SessionFilamentPath(sessionID, filamentID string) string {
	return SessionFilamentsCollection(sessionID) + "/" + filamentID
}

func PrintJobsCollection(sessionID string) string { return SessionPath(sessionID) + "/jobs" }

func PrintJobPath(sessionID, jobID string) string {
	return PrintJobsCollection(sessionID) + "/" + jobID
}

func AccessCodePath(code string) string { return "access_codes/" + code }

const ClusterCollection = "cluster"

func ClusterNodePath(nodeID string) string { return ClusterCollection + "/" + nodeID }
