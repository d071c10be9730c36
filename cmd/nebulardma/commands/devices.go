package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/piwi3910/nebulardma/internal/config"
	"github.com/piwi3910/nebulardma/internal/hardware"
)

// NewDevicesCmd creates the devices command
func NewDevicesCmd() *cobra.Command {
	var (
		root   string
		asYAML bool
	)

	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List RDMA devices and ports found in sysfs",
		Long: `List the RDMA devices published under /sys/class/infiniband with their
ports, link layers and the first RoCE v2 GID index of each Ethernet port.
With the simulated backend and no hardware, the simulated devices are
listed instead.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(config.RoleAccepting)
			if err != nil {
				return err
			}

			devices := hardware.NewDetector(root).Refresh()

			if asYAML {
				return yaml.NewEncoder(os.Stdout).Encode(devices)
			}

			if len(devices) == 0 {
				return listBackendDevices(cfg)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)

			_, _ = fmt.Fprintln(w, "DEVICE\tPORT\tSTATE\tLINK LAYER\tRATE\tLID\tROCE V2 GID\tFIRMWARE")
			for _, dev := range devices {
				if len(dev.Ports) == 0 {
					_, _ = fmt.Fprintf(w, "%s\t-\t-\t-\t-\t-\t-\t%s\n", dev.Name, dev.FirmwareVer)

					continue
				}

				for _, p := range dev.Ports {
					gid := "-"
					if idx := p.RoCEv2GIDIndex(); idx >= 0 {
						gid = fmt.Sprint(idx)
					}

					_, _ = fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%d Gb/s\t%#x\t%s\t%s\n",
						dev.Name, p.Number, p.State, p.LinkLayer, p.Rate, p.LID, gid, dev.FirmwareVer)
				}
			}

			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&root, "sysfs", hardware.DefaultRoot, "sysfs directory to scan")
	cmd.Flags().BoolVar(&asYAML, "yaml", false, "Print the devices as YAML")

	return cmd
}

// listBackendDevices prints what the configured verbs backend reports.
func listBackendDevices(cfg *config.Config) error {
	mgr, err := newManager(cfg)
	if err != nil {
		return err
	}
	defer mgr.Close()

	backend := mgr.Backend()
	if err := backend.Init(); err != nil {
		return fmt.Errorf("failed to initialize %s backend: %w", cfg.Backend, err)
	}

	infos, err := backend.GetDeviceList()
	if err != nil {
		return err
	}

	if len(infos) == 0 {
		fmt.Println("No RDMA devices found")

		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)

	_, _ = fmt.Fprintf(w, "DEVICE\tPORTS\tMAX QP\tMAX CQE\tFIRMWARE\t(%s backend)\n", cfg.Backend)
	for _, info := range infos {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t\n",
			info.Name, info.PhysPortCnt, humanize.Comma(int64(info.MaxQP)), humanize.Comma(int64(info.MaxCQE)), info.FWVer)
	}

	return w.Flush()
}
