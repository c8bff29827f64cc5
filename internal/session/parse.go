package session

import (
	"strings"

	"github.com/sudosh/sudosh/internal/model"
)

// parsePipeline turns a validated command line into an ordered stage
// list. The Command Validator has already enforced the pipeline and
// redirection sub-grammars, so this parser only has to split on
// '|' and peel the per-stage redirections.
func parsePipeline(line string) model.PipelineDescriptor {
	var desc model.PipelineDescriptor
	for _, stage := range strings.Split(line, "|") {
		stage = strings.TrimSpace(stage)
		if stage == "" {
			continue
		}
		desc.Stages = append(desc.Stages, parseStage(stage))
	}
	return desc
}

// parseStage extracts ">", ">>" and "<" redirections from one stage
// and returns its command descriptor.
func parseStage(stage string) model.CommandDescriptor {
	var desc model.CommandDescriptor

	for {
		idx := strings.IndexAny(stage, "><")
		if idx < 0 {
			break
		}
		op := stage[idx]
		rest := stage[idx+1:]
		appendMode := false
		if op == '>' && strings.HasPrefix(rest, ">") {
			appendMode = true
			rest = rest[1:]
		}

		target := strings.TrimSpace(rest)
		if cut := strings.IndexAny(target, "><"); cut >= 0 {
			// A later redirection follows; keep it in the working string.
			rest = target[cut:]
			target = strings.TrimSpace(target[:cut])
		} else {
			rest = ""
		}

		if fields := strings.Fields(target); len(fields) > 0 {
			target = fields[0]
		}

		switch op {
		case '>':
			desc.StdoutPath = target
			desc.StdoutAppend = appendMode
		case '<':
			desc.StdinPath = target
		}
		stage = strings.TrimSpace(stage[:idx]) + " " + rest
	}

	desc.Argv = splitArgv(strings.TrimSpace(stage))
	return desc
}
