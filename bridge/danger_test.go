package bridge

import "testing"

func TestDangerousCommand(t *testing.T) {
	dangerous := []string{
		"rm -rf /tmp/scratch",
		"rm file.txt",
		"/bin/rm -f cache",
		"sudo rm -rf /var/log",
		"sudo -n rm -rf /var/log",
		"doas reboot",
		"dd if=/dev/zero of=/dev/sda",
		"mkfs.ext4 /dev/sdb1",
		"mkfs -t xfs /dev/sdb1",
		"shutdown -h now",
		"make build && rm -rf dist",
		"echo done; shutdown now",
		"cat manifest | xargs rm",
		"true||poweroff",
		"(rm -rf build)",
		"FOO=1 dd if=a of=b",
		"env TERM=dumb shred secrets.txt",
		"nohup pkill -f server",
		"truncate -s 0 data.log",
		"wipefs -a /dev/sdc",
	}
	for _, cmd := range dangerous {
		if !DangerousCommand(cmd) {
			t.Errorf("%q should be flagged dangerous", cmd)
		}
	}

	safe := []string{
		"",
		"ls -la",
		"npm install",
		"go test ./...",
		"git status",
		"grep rm notes.txt",
		"echo rm -rf /",
		"cargo build --release",
		"tar -czf out.tgz rm",
		"informative-tool --halt-on-error",
		"firmware-update",
	}
	for _, cmd := range safe {
		if DangerousCommand(cmd) {
			t.Errorf("%q should not be flagged", cmd)
		}
	}
}

func TestShellTokens(t *testing.T) {
	toks := shellTokens("make build&&rm -rf dist; echo ok")
	want := []string{"make", "build", "&&", "rm", "-rf", "dist", ";", "echo", "ok"}
	if len(toks) != len(want) {
		t.Fatalf("tokens = %v, want %v", toks, want)
	}
	for i := range want {
		if toks[i] != want[i] {
			t.Fatalf("token %d = %q, want %q", i, toks[i], want[i])
		}
	}
}
