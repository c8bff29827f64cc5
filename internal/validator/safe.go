package validator

import "path/filepath"

// safeCommands is the curated "always safe" read-only set for callers
// with no policy rules, matched on argv[0]'s basename.
var safeCommands = map[string]bool{
	"ls": true, "ll": true, "cat": true, "head": true, "tail": true,
	"less": true, "more": true, "find": true, "locate": true,
	"which": true, "whereis": true, "file": true, "stat": true, "wc": true,
	"df": true, "du": true, "free": true, "uptime": true, "uname": true,
	"hostname": true, "whoami": true, "id": true, "date": true,
	"env": true, "printenv": true, "ps": true, "pgrep": true,
	"pidof": true, "pstree": true, "netstat": true, "ss": true,
	"ifconfig": true, "ip": true, "dig": true, "nslookup": true,
	"host": true, "getent": true, "journalctl": true, "dmesg": true,
	"last": true, "lastlog": true, "who": true, "w": true,
	"lsblk": true, "lspci": true, "lsusb": true, "lscpu": true,
	"lsof": true, "sensors": true, "vmstat": true, "iostat": true,
	"mpstat": true, "sar": true,
}

// IsSafeCommand reports whether command's first token is in the
// curated always-allowed set.
func IsSafeCommand(command string) bool {
	return safeCommands[filepath.Base(firstToken(command))]
}

// pipelineWhitelist is the curated set admissible as a pipeline
// stage.
var pipelineWhitelist = map[string]bool{
	"grep": true, "egrep": true, "fgrep": true,
	"awk": true, "sed": true, "sort": true, "uniq": true, "wc": true,
	"head": true, "tail": true, "cut": true, "tr": true,
	"less": true, "more": true, "jq": true, "yq": true, "column": true,
	"xargs": true, "cat": true, "find": true, "echo": true,
}

// IsPipelineWhitelisted reports whether base is an admissible pipeline
// stage command.
func IsPipelineWhitelisted(base string) bool {
	return pipelineWhitelist[base]
}
