package parsers

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseShell(t *testing.T) {
	tests := []struct {
		desc    string
		input   string
		valid   bool
		program string
		flags   []string
		args    []string
	}{
		{
			desc:    "simple command",
			input:   "ls -la /tmp",
			valid:   true,
			program: "ls",
			flags:   []string{"-la"},
			args:    []string{"/tmp"},
		},
		{
			desc:    "quoted arg keeps spaces",
			input:   `grep "hello world" file.txt`,
			valid:   true,
			program: "grep",
			flags:   []string{},
			args:    []string{"hello world", "file.txt"},
		},
		{
			desc:    "single quotes literal",
			input:   `echo 'a "b" c'`,
			valid:   true,
			program: "echo",
			flags:   []string{},
			args:    []string{`a "b" c`},
		},
		{
			desc:    "rm -rf slash",
			input:   "rm -rf /",
			valid:   true,
			program: "rm",
			flags:   []string{"-rf"},
			args:    []string{"/"},
		},
		{
			desc:  "unterminated quote invalid",
			input: `echo "oops`,
			valid: false,
		},
		{
			desc:  "empty input invalid",
			input: "   ",
			valid: false,
		},
	}
	for _, tc := range tests {
		t.Run(tc.desc, func(t *testing.T) {
			cmd := ParseShell(tc.input)
			assert.Equal(t, tc.valid, cmd.Valid)
			if tc.valid {
				assert.Equal(t, tc.program, cmd.Program)
				assert.Equal(t, tc.flags, cmd.Flags)
				assert.Equal(t, tc.args, cmd.Args)
			}
		})
	}
}

func TestShellHasFlag(t *testing.T) {
	cmd := ParseShell("rm -rf /data")
	assert.True(t, cmd.HasFlag("-r"))
	assert.True(t, cmd.HasFlag("-f"))
	assert.True(t, cmd.HasFlag("-rf"))
	assert.False(t, cmd.HasFlag("-v"))

	cmd = ParseShell("tar --force-local -x")
	assert.True(t, cmd.HasFlag("--force-local"))
	assert.False(t, cmd.HasFlag("-f")) // long flags never match short lookups
}

func TestParseSQL(t *testing.T) {
	stmt := ParseSQL("SELECT * FROM users WHERE id = 1 UNION SELECT password FROM admins")
	assert.True(t, stmt.Valid)
	assert.True(t, stmt.Features.Select)
	assert.True(t, stmt.Features.Union)
	assert.False(t, stmt.StackedQueries)
	assert.Contains(t, stmt.Keywords, "UNION")

	stmt = ParseSQL("SELECT 1; DROP TABLE users")
	assert.True(t, stmt.StackedQueries)
	assert.True(t, stmt.Features.Drop)

	stmt = ParseSQL("SELECT name -- hidden comment")
	assert.True(t, stmt.HasComments)

	// Keywords inside string literals do not count.
	stmt = ParseSQL("INSERT INTO logs VALUES ('DROP TABLE x')")
	assert.False(t, stmt.Features.Drop)

	stmt = ParseSQL("  ")
	assert.False(t, stmt.Valid)
}

func TestParseURL(t *testing.T) {
	tests := []struct {
		input    string
		valid    bool
		internal bool
		scheme   string
	}{
		{"https://api.example.com/v1", true, false, "https"},
		{"http://169.254.169.254/latest/meta-data/", true, true, "http"},
		{"http://10.0.0.5:8080/x", true, true, "http"},
		{"http://192.168.1.1/", true, true, "http"},
		{"http://172.16.0.1/", true, true, "http"},
		{"http://localhost:3000/", true, true, "http"},
		{"http://127.0.0.1/", true, true, "http"},
		{"http://internal-db/", true, true, "http"},
		{"ftp://files.example.com/", true, false, "ftp"},
		{"not a url", false, false, ""},
		{"", false, false, ""},
	}
	for _, tc := range tests {
		t.Run(tc.input, func(t *testing.T) {
			u := ParseURL(tc.input)
			assert.Equal(t, tc.valid, u.Valid)
			if tc.valid {
				assert.Equal(t, tc.internal, u.IsInternal, "internal mismatch for %s", tc.input)
				assert.Equal(t, tc.scheme, u.Scheme)
			}
		})
	}
}

func TestParseURLUserInfo(t *testing.T) {
	u := ParseURL("https://admin:pw@host.example.com/")
	assert.True(t, u.Valid)
	assert.Equal(t, "admin:pw", u.UserInfo)
}

func TestParsePath(t *testing.T) {
	p := ParsePath("../../etc/passwd")
	assert.True(t, p.Valid)
	assert.True(t, p.Traversal)
	assert.False(t, p.Absolute)

	p = ParsePath("/etc/passwd")
	assert.True(t, p.Absolute)
	assert.False(t, p.Traversal)
	assert.Equal(t, []string{"etc", "passwd"}, p.Segments)

	p = ParsePath("data/./logs/../out.txt")
	assert.Equal(t, "data/out.txt", p.Normalized)
	assert.False(t, p.Traversal)

	// Backslash separators are normalised before cleaning.
	p = ParsePath(`..\..\windows\system32`)
	assert.True(t, p.Traversal)

	p = ParsePath("")
	assert.False(t, p.Valid)

	p = ParsePath("a\x00b")
	assert.False(t, p.Valid)
}

func TestEscapesRoot(t *testing.T) {
	assert.True(t, EscapesRoot("./data", "../../etc/passwd"))
	assert.False(t, EscapesRoot("./data", "logs/out.txt"))
	assert.False(t, EscapesRoot("./data", "."))
	assert.True(t, EscapesRoot("/srv/data", "../other"))
}

func TestParsePayload(t *testing.T) {
	p := ParsePayload([]byte(`{"b":{"x":"v1"},"a":["v0",7]}`))
	assert.True(t, p.Valid)
	assert.Equal(t, []string{"$.a[0]", "$.a[1]", "$.b.x"}, p.Paths)
	assert.Equal(t, []string{"v0", "v1"}, p.StringValues)

	p = ParsePayload([]byte(`{"broken`))
	assert.False(t, p.Valid)
	assert.Empty(t, p.Paths)
}
