package mesh

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// FramePose is one entry of the pose chain. Excluded frames keep the pose
// that stood in for them so later frames still chain through.
type FramePose struct {
	Frame     int       `json:"frame"`
	Name      string    `json:"name,omitempty"`
	Transform Transform `json:"transform"`
	Included  bool      `json:"included"`
	Reason    string    `json:"reason,omitempty"`
}

// PoseChain maps every frame into the reference frame (frame 0).
// Entries are appended in frame order and never rewritten.
type PoseChain struct {
	RunID       string      `json:"runId,omitempty"`
	Reference   int         `json:"reference"`
	Poses       []FramePose `json:"poses"`
	LastUpdated int64       `json:"lastUpdated"`
}

// NewPoseChain starts a chain whose reference frame has the identity pose.
func NewPoseChain(runID string, referenceName string) *PoseChain {
	return &PoseChain{
		RunID: runID,
		Poses: []FramePose{{Frame: 0, Name: referenceName, Transform: Identity(), Included: true}},
	}
}

// Append adds the next frame. Frames must arrive in increasing order.
func (c *PoseChain) Append(p FramePose) error {
	if n := len(c.Poses); n > 0 && p.Frame <= c.Poses[n-1].Frame {
		return errors.Errorf("pose chain: frame %d appended after frame %d", p.Frame, c.Poses[n-1].Frame)
	}
	c.Poses = append(c.Poses, p)
	return nil
}

// Last returns the most recently appended entry.
func (c *PoseChain) Last() FramePose {
	return c.Poses[len(c.Poses)-1]
}

// Entry returns the chain entry for a frame.
func (c *PoseChain) Entry(frame int) (FramePose, bool) {
	if c == nil {
		return FramePose{}, false
	}
	for _, p := range c.Poses {
		if p.Frame == frame {
			return p, true
		}
	}
	return FramePose{}, false
}

// Pose returns the pose of an included frame. Identity is returned with
// false for unknown or excluded frames.
func (c *PoseChain) Pose(frame int) (Transform, bool) {
	p, ok := c.Entry(frame)
	if !ok || !p.Included {
		return Identity(), false
	}
	return p.Transform, true
}

// Included lists the frames that take part in the merge, in order.
func (c *PoseChain) Included() []int {
	if c == nil {
		return nil
	}
	var out []int
	for _, p := range c.Poses {
		if p.Included {
			out = append(out, p.Frame)
		}
	}
	return out
}

// Trajectory returns the camera centre of every included frame in the
// reference frame.
func (c *PoseChain) Trajectory() []r3.Vector {
	if c == nil {
		return nil
	}
	var out []r3.Vector
	for _, p := range c.Poses {
		if p.Included {
			out = append(out, p.Transform.Apply(r3.Vector{}))
		}
	}
	return out
}

// LoadPoseChain reads a chain written by SavePoseChain. A missing file
// yields nil and no error.
func LoadPoseChain(path string) (*PoseChain, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(ErrIO, "reading pose chain: %v", err)
	}

	var chain PoseChain
	if err := json.Unmarshal(data, &chain); err != nil {
		return nil, errors.Wrap(err, "parsing pose chain")
	}
	return &chain, nil
}

// SavePoseChain writes the chain as indented JSON.
func SavePoseChain(path string, chain *PoseChain) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrapf(ErrIO, "creating pose chain directory: %v", err)
	}

	chain.LastUpdated = time.Now().Unix()

	data, err := json.MarshalIndent(chain, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshaling pose chain")
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.Wrapf(ErrIO, "writing pose chain: %v", err)
	}
	return nil
}
