package tracecmd

import (
	"errors"
	"testing"
)

func TestParse(t *testing.T) {
	cases := []struct {
		name    string
		line    string
		want    Command
		wantErr error
	}{
		{
			name: "start with dir and flags",
			line: "TRACE -s s1 /tmp/logs -e 4096 mld -x",
			want: Command{Op: OpStart, Name: "s1", Forward: "mld -e 4096 -x /tmp/logs"},
		},
		{
			name: "start with dir only",
			line: "TRACE -s s1 /tmp/logs mld",
			want: Command{Op: OpStart, Name: "s1", Forward: "mld /tmp/logs"},
		},
		{
			name: "start forwarding line as is",
			line: "TRACE -s acc mld -C LOG_D_ACC /data/logs",
			want: Command{Op: OpStart, Name: "acc", Forward: "mld -C LOG_D_ACC /data/logs"},
		},
		{
			name: "start attached argument",
			line: "TRACE -ss1 mld /d",
			want: Command{Op: OpStart, Name: "s1", Forward: "mld /d"},
		},
		{
			name: "long start with equals",
			line: "TRACE --start=s1 mld /d",
			want: Command{Op: OpStart, Name: "s1", Forward: "mld /d"},
		},
		{
			name: "long start abbreviated",
			line: "TRACE --sta s1 mld /d",
			want: Command{Op: OpStart, Name: "s1", Forward: "mld /d"},
		},
		{name: "leading whitespace", line: " \t TRACE -q", want: Command{Op: OpQuery}},
		{name: "stop", line: "TRACE -k s1", want: Command{Op: OpStop, Name: "s1"}},
		{name: "long stop", line: "TRACE --stop s1", want: Command{Op: OpStop, Name: "s1"}},
		{name: "query", line: "TRACE -q", want: Command{Op: OpQuery}},
		{name: "long query prefix", line: "TRACE --q", want: Command{Op: OpQuery}},
		{name: "confpath", line: "TRACE -c", want: Command{Op: OpConfPath}},
		{name: "long confpath", line: "TRACE --confpath", want: Command{Op: OpConfPath}},
		{name: "non-options skipped", line: "TRACE foo bar -q", want: Command{Op: OpQuery}},
		{name: "only first option used", line: "TRACE -q -k s1", want: Command{Op: OpQuery}},
		{name: "clustered short options", line: "TRACE -qc", want: Command{Op: OpQuery}},
		{name: "query ignores marker", line: "TRACE -q mld -x", want: Command{Op: OpQuery}},
		{name: "empty", line: "", wantErr: ErrEmptyCommand},
		{name: "blank", line: " \t ", wantErr: ErrEmptyCommand},
		{name: "unknown verb", line: "STATUS -q", wantErr: ErrUnknownVerb},
		{name: "verb prefix only", line: "TRACEX -q", wantErr: ErrUnknownVerb},
		{name: "no option mark", line: "TRACE s1", wantErr: ErrMissingOptions},
		{name: "unknown short", line: "TRACE -z", wantErr: ErrUnknownOption},
		{name: "unknown long", line: "TRACE --bogus", wantErr: ErrUnknownOption},
		{name: "ambiguous long", line: "TRACE --st s1", wantErr: ErrUnknownOption},
		{name: "stop without name", line: "TRACE -k", wantErr: ErrMissingArgument},
		{name: "long stop empty value", line: "TRACE --stop=", wantErr: ErrMissingArgument},
		{name: "query with value", line: "TRACE --query=1", wantErr: ErrUnexpectedArgument},
		{name: "double dash ends scan", line: "TRACE -- -q", wantErr: ErrNoOption},
		{name: "lone dash", line: "TRACE -", wantErr: ErrNoOption},
		{name: "start without marker", line: "TRACE -s s1 /tmp/logs", wantErr: ErrMissingForward},
		{name: "start name swallowed by marker", line: "TRACE -s mld /d", wantErr: ErrMissingArgument},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Parse(tc.line)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("Parse(%q) error=%v want %v", tc.line, err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse(%q): %v", tc.line, err)
			}
			if got != tc.want {
				t.Fatalf("Parse(%q)=%+v want %+v", tc.line, got, tc.want)
			}
		})
	}
}
