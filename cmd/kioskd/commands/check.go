package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/juju/clock"
	"github.com/spf13/cobra"
	"github.com/xam-io/kioskd/pkg/descriptor"
	"github.com/xam-io/kioskd/pkg/lockdown"
	"github.com/xam-io/kioskd/pkg/payload"
	"github.com/xam-io/kioskd/pkg/readiness"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Report readiness, descriptor and payload state without changing anything",
	RunE:  runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	probe := readiness.NewLinuxProbe(cfg.RuntimeDir, cfg.StorageRoot, cfg.VolumePrefixes)
	gate := readiness.NewGate(probe, clock.WallClock, cfg.ReadinessInterval, cfg.ReadinessTimeout)
	fmt.Printf("%-14s %s\n", "readiness:", yesNo(gate.Check(), "ready", "not ready"))

	desc, res := descriptor.NewStore(cfg.DescriptorPath).Load()
	if !res.IsOK() {
		fmt.Printf("%-14s %s (%s)\n", "descriptor:", res.String(), cfg.DescriptorPath)
	} else {
		fmt.Printf("%-14s %s\n", "descriptor:", cfg.DescriptorPath)
		if t, ok := desc.Target(); ok {
			fmt.Printf("%-14s %s (%s)\n", "network:", t.SSID, t.AuthMode)
		} else {
			fmt.Printf("%-14s %s\n", "network:", "skipped")
		}

		artifact, err := payload.Resolve(desc, cfg.StorageRoot, cfg.CacheDir)
		if err != nil {
			fmt.Printf("%-14s invalid locator: %v\n", "artifact:", err)
		} else {
			_, statErr := os.Stat(artifact.Path)
			fmt.Printf("%-14s %s (%s)\n", "artifact:", artifact.Path, yesNo(statErr == nil, "present", "missing"))
		}
	}

	installed, err := payload.DirRegistry{AppsDir: cfg.AppsDir}.Installed(cfg.PayloadPackage)
	if err != nil {
		fmt.Printf("%-14s error: %v\n", "payload:", err)
	} else {
		fmt.Printf("%-14s %s %s\n", "payload:", cfg.PayloadPackage, yesNo(installed, "installed", "not installed"))
	}

	policy, err := lockdown.LoadPolicy(cfg.PolicyPath)
	if err != nil {
		fmt.Printf("%-14s error: %v\n", "policy:", err)
		return nil
	}
	fmt.Printf("%-14s home=%s lock_task=%v restrictions=[%s]\n", "policy:",
		dash(policy.PreferredHome), policy.LockTask, strings.Join(policy.Restrictions, ","))
	return nil
}

func yesNo(ok bool, yes, no string) string {
	if ok {
		return yes
	}
	return no
}
