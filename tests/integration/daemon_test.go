package integration

import (
	"testing"

	. "github.com/onsi/gomega"
)

func TestDaemonLifecycle(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)
	env := NewTestEnv(t, "lifecycle")
	defer env.Cleanup()

	// Not running yet
	result := env.RunCLI("status")
	g.Expect(result.Contains("Daemon: not running")).To(BeTrue(), result.Combined)

	env.StartDaemon()

	result = env.RunCLI("status")
	g.Expect(result.ExitCode).To(Equal(0), result.Combined)
	g.Expect(result.Contains("Daemon: running (PID ")).To(BeTrue(), result.Combined)
	g.Expect(result.Contains("Data dir: ")).To(BeTrue(), result.Combined)
	g.Expect(result.Contains("HTTP API: 127.0.0.1:")).To(BeTrue(), result.Combined)
	g.Expect(result.Contains("NFS:")).To(BeFalse(), result.Combined)

	result = env.RunCLI("stop")
	g.Expect(result.ExitCode).To(Equal(0), result.Combined)
	g.Expect(result.Contains("Daemon stopped")).To(BeTrue(), result.Combined)

	g.Expect(waitForDaemonStoppedWithConfigDir(env.configDir, daemonReadyTimeout)).To(BeTrue())

	// Stopping again is a no-op
	result = env.RunCLI("stop")
	g.Expect(result.ExitCode).To(Equal(0), result.Combined)
	g.Expect(result.Contains("Daemon not running")).To(BeTrue(), result.Combined)
}

func TestDaemonAlreadyRunning(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)
	env := NewTestEnv(t, "alreadyrun")
	defer env.Cleanup()

	env.StartDaemon()
	firstPID := getDaemonPIDInConfigDir(env.configDir)
	g.Expect(firstPID).To(BeNumerically(">", 0))

	// Second serve reports instead of starting a twin
	result := env.RunCLI("serve", "--detach")
	g.Expect(result.ExitCode).To(Equal(0), result.Combined)
	g.Expect(result.Contains("already running")).To(BeTrue(), result.Combined)
	g.Expect(getDaemonPIDInConfigDir(env.configDir)).To(Equal(firstPID))

	// --restart replaces the process
	result = env.RunCLI("serve", "--detach", "--restart")
	g.Expect(result.ExitCode).To(Equal(0), result.Combined)
	g.Expect(result.Contains("restarting")).To(BeTrue(), result.Combined)

	g.Eventually(func() bool {
		pid := getDaemonPIDInConfigDir(env.configDir)
		return pid > 0 && pid != firstPID
	}).WithTimeout(daemonReadyTimeout).Should(BeTrue())
}

func TestDaemonStatePersistsAcrossRestart(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)
	env := NewTestEnv(t, "persist")
	defer env.Cleanup()

	env.RunCLIWithInput("persistent data", "write", "/alpha/keep.txt")

	env.StartDaemon()
	result := env.RunCLI("status")
	g.Expect(result.Contains("Shards: 1")).To(BeTrue(), result.Combined)
	g.Expect(result.Contains("alpha")).To(BeTrue(), result.Combined)

	env.RunCLI("stop")
	g.Expect(waitForDaemonStoppedWithConfigDir(env.configDir, daemonReadyTimeout)).To(BeTrue())

	// Data survives the daemon
	result = env.RunCLI("cat", "/alpha/keep.txt")
	g.Expect(result.Stdout).To(Equal("persistent data"))
}

func TestDaemonNFSEnabled(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)
	env := NewTestEnv(t, "nfs")
	defer env.Cleanup()

	// The default NFS port falls back to a kernel-assigned one when
	// another test holds it, so parallel runs don't collide.
	env.WriteConfig("log_level: \"off\"\nhttp:\n  listen: \"127.0.0.1:0\"\nnfs:\n  enabled: true\n")

	env.StartDaemon()

	addr := env.NFSAddr()
	g.Expect(addr).To(HavePrefix("127.0.0.1:"), "status should report the bound NFS address")
}
