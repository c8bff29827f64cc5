package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePipelineSingleCommand(t *testing.T) {
	desc := parsePipeline("ls -la /var/log")
	require.Len(t, desc.Stages, 1)
	assert.Equal(t, []string{"ls", "-la", "/var/log"}, desc.Stages[0].Argv)
	assert.Empty(t, desc.Stages[0].StdoutPath)
}

func TestParsePipelineStagesAndRedirection(t *testing.T) {
	desc := parsePipeline("grep -R pattern /etc | awk '{print $1}' > /tmp/out")
	require.Len(t, desc.Stages, 2)

	assert.Equal(t, []string{"grep", "-R", "pattern", "/etc"}, desc.Stages[0].Argv)
	assert.Equal(t, "/tmp/out", desc.Stages[1].StdoutPath)
	assert.False(t, desc.Stages[1].StdoutAppend)
}

func TestParseStageAppendRedirection(t *testing.T) {
	desc := parseStage("sort data.txt >> /tmp/acc")
	assert.Equal(t, []string{"sort", "data.txt"}, desc.Argv)
	assert.Equal(t, "/tmp/acc", desc.StdoutPath)
	assert.True(t, desc.StdoutAppend)
}

func TestParseStageInputRedirection(t *testing.T) {
	desc := parseStage("wc -l < /tmp/in")
	assert.Equal(t, []string{"wc", "-l"}, desc.Argv)
	assert.Equal(t, "/tmp/in", desc.StdinPath)
}

func TestParseStageBothRedirections(t *testing.T) {
	desc := parseStage("sort > /tmp/out < /tmp/in")
	assert.Equal(t, []string{"sort"}, desc.Argv)
	assert.Equal(t, "/tmp/out", desc.StdoutPath)
	assert.Equal(t, "/tmp/in", desc.StdinPath)
}

func TestSplitArgv(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, splitArgv("  a \t b   c "))
	assert.Nil(t, splitArgv("   "))
}
