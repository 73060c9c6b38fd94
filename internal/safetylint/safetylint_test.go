package safetylint

import "testing"

func TestValidateAcceptsPlainCommands(t *testing.T) {
	cases := []string{
		"echo hello",
		"python script.py --arg value",
		"ls -la /tmp",
		"echo 'hello world'",
	}
	for _, c := range cases {
		if err := Validate(c); err != nil {
			t.Errorf("Validate(%q) = %v, want nil", c, err)
		}
	}
}

func TestValidateRejectsEmpty(t *testing.T) {
	for _, c := range []string{"", "   "} {
		if err := Validate(c); err == nil {
			t.Errorf("Validate(%q) = nil, want error", c)
		}
	}
}

func TestValidateRejectsDangerousPatterns(t *testing.T) {
	cases := []string{
		"ls | grep foo",
		"echo hello; echo world",
		"echo $(date)",
		"echo `date`",
		"echo hello > file.txt",
		"echo hello < file.txt",
		"sleep 10 &",
		"echo a && echo b",
		"echo a || echo b",
	}
	for _, c := range cases {
		if err := Validate(c); err == nil {
			t.Errorf("Validate(%q) = nil, want error", c)
		}
	}
}

func TestValidateRejectsUnbalancedQuotes(t *testing.T) {
	cases := []string{
		"echo 'hello",
		`echo "world`,
	}
	for _, c := range cases {
		if err := Validate(c); err == nil {
			t.Errorf("Validate(%q) = nil, want error", c)
		}
	}
}
