package mesh

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"image/png"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// Intermediate stages kept by the store.
const (
	StoreDepth       = "depth"
	StoreCloud       = "cloud"
	StoreDownsampled = "downsampled"
	StoreCoarse      = "coarse"
	StoreRefined     = "refined"
)

// Blob encodings.
const (
	kindPNG  = "png"
	kindPCD  = "pcd"
	kindJSON = "json"
)

// StoredTransform is the JSON payload of the coarse and refined stages.
type StoredTransform struct {
	From      int       `json:"from"`
	To        int       `json:"to"`
	Bridged   bool      `json:"bridged,omitempty"`
	Method    string    `json:"method"`
	Inliers   int       `json:"inliers"`
	RMSE      float64   `json:"rmse"`
	Transform Transform `json:"transform"`
}

// StoreEntry describes one stored intermediate.
type StoreEntry struct {
	RunID string
	Frame int
	Stage string
	Kind  string
	Size  int
}

// IntermediateStore keeps per-frame intermediates in SQLite, keyed by run,
// frame and stage. Writing the same key twice replaces the earlier blob.
type IntermediateStore struct {
	db *sql.DB
}

// OpenIntermediateStore opens (creating if needed) the database at path.
// ":memory:" gives a throwaway store.
func OpenIntermediateStore(path string) (*IntermediateStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(ErrIO, "opening %s: %v", path, err)
	}
	// One connection serialises writers and keeps :memory: databases alive.
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			run_id            TEXT PRIMARY KEY,
			summary           TEXT,
			created           TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
		CREATE TABLE IF NOT EXISTS intermediates (
			run_id            TEXT NOT NULL,
			frame             INTEGER NOT NULL,
			stage             TEXT NOT NULL,
			kind              TEXT NOT NULL,
			data              BLOB NOT NULL,
			created           TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (run_id, frame, stage)
		);
	`)
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(ErrIO, "creating schema in %s: %v", path, err)
	}
	return &IntermediateStore{db: db}, nil
}

// Close releases the database.
func (s *IntermediateStore) Close() error {
	return s.db.Close()
}

func (s *IntermediateStore) put(runID string, frame int, stage, kind string, data []byte) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO intermediates (run_id, frame, stage, kind, data)
		VALUES (?, ?, ?, ?, ?)`, runID, frame, stage, kind, data)
	if err != nil {
		return errors.Wrapf(ErrIO, "storing %s/%d/%s: %v", runID, frame, stage, err)
	}
	return nil
}

func (s *IntermediateStore) get(runID string, frame int, stage, kind string) ([]byte, error) {
	var gotKind string
	var data []byte
	err := s.db.QueryRow(`
		SELECT kind, data FROM intermediates
		WHERE run_id = ? AND frame = ? AND stage = ?`, runID, frame, stage).Scan(&gotKind, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrIO, "no %s stored for run %s frame %d", stage, runID, frame)
	}
	if err != nil {
		return nil, errors.Wrapf(ErrIO, "loading %s/%d/%s: %v", runID, frame, stage, err)
	}
	if gotKind != kind {
		return nil, errors.Errorf("%s/%d/%s holds %s, not %s", runID, frame, stage, gotKind, kind)
	}
	return data, nil
}

// PutDepth stores d as a 16-bit PNG scaled by unit.
func (s *IntermediateStore) PutDepth(runID string, frame int, d *DepthMap, unit float64) error {
	var buf bytes.Buffer
	if err := png.Encode(&buf, d.ToImage(unit)); err != nil {
		return errors.Wrap(err, "encoding depth")
	}
	return s.put(runID, frame, StoreDepth, kindPNG, buf.Bytes())
}

// Depth loads a depth map stored by PutDepth.
func (s *IntermediateStore) Depth(runID string, frame int, unit float64) (*DepthMap, error) {
	data, err := s.get(runID, frame, StoreDepth, kindPNG)
	if err != nil {
		return nil, err
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, "decoding stored depth")
	}
	return DepthFromImage(img, unit), nil
}

// PutCloud stores pc as a binary PCD blob under stage.
func (s *IntermediateStore) PutCloud(runID string, frame int, stage string, pc *PointCloud) error {
	var buf bytes.Buffer
	if err := WritePCD(pc, &buf, PCDBinary); err != nil {
		return err
	}
	return s.put(runID, frame, stage, kindPCD, buf.Bytes())
}

// Cloud loads a cloud stored by PutCloud.
func (s *IntermediateStore) Cloud(runID string, frame int, stage string) (*PointCloud, error) {
	data, err := s.get(runID, frame, stage, kindPCD)
	if err != nil {
		return nil, err
	}
	return ReadPCD(bytes.NewReader(data))
}

// PutTransform stores t as JSON under stage, keyed by its source frame.
func (s *IntermediateStore) PutTransform(runID, stage string, t StoredTransform) error {
	data, err := json.Marshal(t)
	if err != nil {
		return errors.Wrap(err, "encoding transform")
	}
	return s.put(runID, t.From, stage, kindJSON, data)
}

// Transform loads a transform stored by PutTransform.
func (s *IntermediateStore) Transform(runID string, frame int, stage string) (StoredTransform, error) {
	var t StoredTransform
	data, err := s.get(runID, frame, stage, kindJSON)
	if err != nil {
		return t, err
	}
	if err := json.Unmarshal(data, &t); err != nil {
		return t, errors.Wrap(err, "decoding stored transform")
	}
	return t, nil
}

// PutSummary records the summary of a finished run.
func (s *IntermediateStore) PutSummary(summary RunSummary) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return errors.Wrap(err, "encoding summary")
	}
	if _, err := s.db.Exec(`INSERT OR REPLACE INTO runs (run_id, summary) VALUES (?, ?)`, summary.RunID, string(data)); err != nil {
		return errors.Wrapf(ErrIO, "storing summary of %s: %v", summary.RunID, err)
	}
	return nil
}

// Summary loads the summary of runID.
func (s *IntermediateStore) Summary(runID string) (*RunSummary, error) {
	var data string
	err := s.db.QueryRow(`SELECT summary FROM runs WHERE run_id = ?`, runID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrIO, "no run %s", runID)
	}
	if err != nil {
		return nil, errors.Wrapf(ErrIO, "loading run %s: %v", runID, err)
	}
	var summary RunSummary
	if err := json.Unmarshal([]byte(data), &summary); err != nil {
		return nil, errors.Wrap(err, "decoding summary")
	}
	return &summary, nil
}

// Entries lists what is stored for runID in frame then stage order.
func (s *IntermediateStore) Entries(runID string) ([]StoreEntry, error) {
	rows, err := s.db.Query(`
		SELECT run_id, frame, stage, kind, length(data) FROM intermediates
		WHERE run_id = ? ORDER BY frame, stage`, runID)
	if err != nil {
		return nil, errors.Wrapf(ErrIO, "listing run %s: %v", runID, err)
	}
	defer rows.Close()

	var out []StoreEntry
	for rows.Next() {
		var e StoreEntry
		if err := rows.Scan(&e.RunID, &e.Frame, &e.Stage, &e.Kind, &e.Size); err != nil {
			return nil, errors.Wrapf(ErrIO, "listing run %s: %v", runID, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(ErrIO, "listing run %s: %v", runID, err)
	}
	return out, nil
}

// Recorder returns an Observer that stores clouds and transforms of runID
// as the pipeline produces them. Write failures are logged and do not stop
// the run.
func (s *IntermediateStore) Recorder(runID string, logger *zap.SugaredLogger) Observer {
	return &storeRecorder{store: s, runID: runID, log: orNop(logger)}
}

type storeRecorder struct {
	store *IntermediateStore
	runID string
	log   *zap.SugaredLogger
}

func (r *storeRecorder) FramePrepared(f *Frame) {
	if f.Cloud.Len() > 0 {
		if err := r.store.PutCloud(r.runID, f.Index, StoreCloud, f.Cloud); err != nil {
			r.log.Warnf("intermediate store: %v", err)
		}
	}
	if f.Sparse.Len() > 0 {
		if err := r.store.PutCloud(r.runID, f.Index, StoreDownsampled, f.Sparse); err != nil {
			r.log.Warnf("intermediate store: %v", err)
		}
	}
}

func (r *storeRecorder) PairRegistered(p PairResult) {
	// Only pairs whose coarse stage produced a transform.
	if p.Aborted || (p.Err != nil && p.Stage() != StageRefine) {
		return
	}
	record := func(stage string, res RegistrationResult) {
		t := StoredTransform{From: p.From, To: p.To, Bridged: p.Bridged, Method: res.Method,
			Inliers: res.Inliers, RMSE: res.RMSE, Transform: res.Transform}
		if err := r.store.PutTransform(r.runID, stage, t); err != nil {
			r.log.Warnf("intermediate store: %v", err)
		}
	}
	record(StoreCoarse, p.Coarse)
	if p.Refined != nil {
		record(StoreRefined, p.Refined.RegistrationResult)
	}
}

func (r *storeRecorder) RunFinished(s RunSummary) {
	if err := r.store.PutSummary(s); err != nil {
		r.log.Warnf("intermediate store: %v", err)
	}
}
