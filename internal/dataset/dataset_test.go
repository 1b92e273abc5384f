package dataset

import (
	"path/filepath"
	"testing"

	"github.com/specialistvlad/gridchain/internal/fragment"
	"github.com/stretchr/testify/assert"
)

func TestFile_Paths(t *testing.T) {
	f := File{Name: "a-result.out", LocalDir: filepath.Join("stage", "a"), RemoteDir: "runs/a"}

	assert.Equal(t, filepath.Join("stage", "a", "a-result.out"), f.Local())
	assert.Equal(t, "runs/a/a-result.out", f.Remote())
	assert.Equal(t, fragment.Path{Dir: "runs/a", Name: "a-result.out"}, f.Fragment())
}

func TestState_Predicates(t *testing.T) {
	tests := []struct {
		state                         State
		inFlight, finished, submitted bool
	}{
		{StateCreated, false, false, false},
		{StateStaged, false, false, false},
		{StateDryRun, false, false, false},
		{StateSubmitPending, true, false, true},
		{StateStarted, true, false, true},
		{StateCompleted, false, true, true},
		{StateFailed, false, true, true},
	}
	for _, tc := range tests {
		t.Run(string(tc.state), func(t *testing.T) {
			assert.Equal(t, tc.inFlight, tc.state.InFlight())
			assert.Equal(t, tc.finished, tc.state.Finished())
			assert.Equal(t, tc.submitted, tc.state.Submitted())
		})
	}
}

func TestOrigin_String(t *testing.T) {
	assert.Equal(t, "direct", OriginDirect.String())
	assert.Equal(t, "graph", OriginGraph.String())
}
