package capture

import (
	"bufio"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/iolloyd/consoletap/internal/models"
	"github.com/iolloyd/consoletap/internal/normalizer"
	"github.com/iolloyd/consoletap/internal/transcript"
)

// recordingSink collects delivered bytes per stream
type recordingSink struct {
	mu   sync.Mutex
	data map[models.StreamKey][]byte
}

func newRecordingSink() *recordingSink {
	return &recordingSink{data: make(map[models.StreamKey][]byte)}
}

func (r *recordingSink) Deliver(port int, dir models.Direction, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := models.StreamKey{Port: port, Direction: dir}
	r.data[key] = append(r.data[key], data...)
	return nil
}

func (r *recordingSink) get(port int, dir models.Direction) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return string(r.data[models.StreamKey{Port: port, Direction: dir}])
}

func newTestPipeline(t *testing.T) (*Pipeline, *normalizer.SessionManager, string) {
	t.Helper()
	dir := t.TempDir()
	sessions, err := normalizer.NewSessionManager(normalizer.Options{Dir: dir})
	require.NoError(t, err)
	t.Cleanup(func() { sessions.Close() })
	return NewPipeline(sessions), sessions, dir
}

// readTranscripts parses every transcript in dir, keyed by file name
func readTranscripts(t *testing.T, dir string) map[string][]models.NormalizedLine {
	t.Helper()
	paths, err := filepath.Glob(filepath.Join(dir, "*"+transcript.Extension))
	require.NoError(t, err)

	result := make(map[string][]models.NormalizedLine, len(paths))
	for _, path := range paths {
		f, err := os.Open(path)
		require.NoError(t, err)

		var lines []models.NormalizedLine
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			line, err := transcript.ParseLine(sc.Text())
			require.NoError(t, err)
			lines = append(lines, line)
		}
		f.Close()
		require.NoError(t, sc.Err())
		result[filepath.Base(path)] = lines
	}
	return result
}

type dirText struct {
	Dir  models.Direction
	Text string
}

func flatten(lines []models.NormalizedLine) []dirText {
	result := make([]dirText, 0, len(lines))
	for _, l := range lines {
		result = append(result, dirText{l.Direction, l.Text})
	}
	return result
}
