// Command exanodes-inject is the test/admin CLI driving create/delete
// group & volume, start/stop, resize, read/write-superblock and
// inject-message against an in-process cluster, grounded on
// nestybox-sysbox-fs/cmd/sysbox-fs/main.go's urfave/cli command set,
// pkg/profile flag and systemd readiness/stopping notifications.
package main

import (
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	systemd "github.com/coreos/go-systemd/daemon"
	"github.com/pkg/profile"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/exanodes/exanodes/internal/cluster"
	"github.com/exanodes/exanodes/internal/exaerr"
	"github.com/exanodes/exanodes/internal/exatypes"
	"github.com/exanodes/exanodes/internal/exaversion"
	"github.com/exanodes/exanodes/superblock"
)

const defaultStatePath = "exanodes-inject.db"

func openStore(ctx *cli.Context) (*cluster.Store, error) {
	return cluster.Open(ctx.GlobalString("state"))
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func createGroupAction(ctx *cli.Context) error {
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	disks := splitCSV(ctx.String("disks"))
	if len(disks) == 0 {
		return exaerr.New(exaerr.Invalid, "--disks is required")
	}
	rec, err := store.CreateGroup(ctx.String("name"), disks, uint64(ctx.Int("sectors")))
	if err != nil {
		return err
	}
	logrus.Infof("group %q created with %d disk(s)", rec.Name, len(rec.Disks))
	return nil
}

func deleteGroupAction(ctx *cli.Context) error {
	if ctx.String("name") == "" {
		return exaerr.New(exaerr.Invalid, "--name is required")
	}
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.DeleteGroup(ctx.String("name")); err != nil {
		return err
	}
	logrus.Infof("group %q deleted", ctx.String("name"))
	return nil
}

func createVolumeAction(ctx *cli.Context) error {
	if ctx.String("name") == "" {
		return exaerr.New(exaerr.Invalid, "--name is required")
	}
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	groups := splitCSV(ctx.String("groups"))
	if len(groups) == 0 {
		return exaerr.New(exaerr.Invalid, "--groups is required")
	}
	rec, err := store.CreateVolume(
		ctx.String("name"),
		groups,
		ctx.String("layout"),
		uint64(ctx.Int("su-sectors")),
		uint64(ctx.Int("chunk-sectors")),
		ctx.Int("slots"),
	)
	if err != nil {
		return err
	}
	logrus.Infof("volume %q created: layout=%s groups=%v slots=%d", rec.Name, rec.LayoutName, rec.Groups, rec.SlotCount)
	return nil
}

func deleteVolumeAction(ctx *cli.Context) error {
	if ctx.String("name") == "" {
		return exaerr.New(exaerr.Invalid, "--name is required")
	}
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.DeleteVolume(ctx.String("name")); err != nil {
		return err
	}
	logrus.Infof("volume %q deleted", ctx.String("name"))
	return nil
}

func resizeVolumeAction(ctx *cli.Context) error {
	if ctx.String("name") == "" {
		return exaerr.New(exaerr.Invalid, "--name is required")
	}
	if !ctx.IsSet("slots") {
		return exaerr.New(exaerr.Invalid, "--slots is required")
	}
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.ResizeVolume(ctx.String("name"), ctx.Int("slots")); err != nil {
		return err
	}
	logrus.Infof("volume %q resized to %d slots", ctx.String("name"), ctx.Int("slots"))
	return nil
}

// startAction brings a volume's disks online, installs a pid file and
// signal handlers (mirroring the teacher's own main-loop exit
// handling), notifies systemd readiness, and blocks until signaled.
func startAction(ctx *cli.Context) error {
	if ctx.String("name") == "" {
		return exaerr.New(exaerr.Invalid, "--name is required")
	}
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	name := ctx.String("name")
	vol, disks, err := store.OpenVolume(name)
	if err != nil {
		return err
	}
	defer func() {
		for _, d := range disks {
			d.Close()
		}
		vol.Close()
	}()

	pidFile := ctx.String("pidfile")
	if err := os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		return exaerr.New(exaerr.IoError, "writing pid file %s: %v", pidFile, err)
	}
	defer os.Remove(pidFile)

	logrus.Infof("volume %q started (%d sectors), pid file %s", name, vol.SectorCount(), pidFile)
	systemd.SdNotify(false, systemd.SdNotifyReady)

	exitChan := make(chan os.Signal, 1)
	signal.Notify(exitChan, syscall.SIGINT, syscall.SIGTERM)
	s := <-exitChan
	logrus.Infof("volume %q caught signal %s, stopping", name, s)
	systemd.SdNotify(false, systemd.SdNotifyStopping)
	return nil
}

func stopAction(ctx *cli.Context) error {
	pidFile := ctx.String("pidfile")
	buf, err := os.ReadFile(pidFile)
	if err != nil {
		return exaerr.New(exaerr.IoError, "reading pid file %s: %v", pidFile, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(buf)))
	if err != nil {
		return exaerr.New(exaerr.Invalid, "malformed pid file %s: %v", pidFile, err)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return exaerr.New(exaerr.NotFound, "no such process %d: %v", pid, err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return exaerr.New(exaerr.IoError, "signaling pid %d: %v", pid, err)
	}
	logrus.Infof("sent SIGTERM to pid %d", pid)
	return nil
}

func diskPathFor(store *cluster.Store, groupName string, index int) (string, exatypes.UUID, uint64, error) {
	grec, err := store.Group(groupName)
	if err != nil {
		return "", exatypes.NilUUID, 0, err
	}
	if index < 0 || index >= len(grec.Disks) {
		return "", exatypes.NilUUID, 0, exaerr.New(exaerr.Invalid, "group %q has no disk at index %d", groupName, index)
	}
	d := grec.Disks[index]
	return d.Path, d.UUID, d.Sectors, nil
}

func readSuperblockAction(ctx *cli.Context) error {
	if ctx.String("group") == "" {
		return exaerr.New(exaerr.Invalid, "--group is required")
	}
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	devices, opened, err := store.OpenDevices([]string{ctx.String("group")})
	if err != nil {
		return err
	}
	defer func() {
		for _, d := range opened {
			d.Close()
		}
	}()
	_, uuid, _, err := diskPathFor(store, ctx.String("group"), ctx.Int("disk-index"))
	if err != nil {
		return err
	}

	rec, err := superblock.Read(devices[uuid], exatypes.NilUUID, exaversion.Version(ctx.String("local-version")))
	if err != nil {
		return err
	}
	logrus.Infof("superblock: group=%s disk=%s node=%d generation=%d",
		rec.GroupUUID, rec.DiskUUID, rec.NodeID, rec.Generation())
	return nil
}

func writeSuperblockAction(ctx *cli.Context) error {
	if ctx.String("group") == "" {
		return exaerr.New(exaerr.Invalid, "--group is required")
	}
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	devices, opened, err := store.OpenDevices([]string{ctx.String("group")})
	if err != nil {
		return err
	}
	defer func() {
		for _, d := range opened {
			d.Close()
		}
	}()
	grec, err := store.Group(ctx.String("group"))
	if err != nil {
		return err
	}
	_, uuid, _, err := diskPathFor(store, ctx.String("group"), ctx.Int("disk-index"))
	if err != nil {
		return err
	}

	rec := &superblock.Record{
		Version:   exaversion.Version(ctx.String("local-version")),
		GroupUUID: exatypes.NewUUID(),
		DiskUUID:  uuid,
		NodeID:    exatypes.NodeID(ctx.Int("node")),
		LayoutTag: uint32(ctx.Int("layout-tag")),
		Payload:   superblock.EncodePayloadGeneration(uint64(ctx.Int("generation")), nil),
	}
	if err := superblock.Write(devices[uuid], rec); err != nil {
		return err
	}
	logrus.Infof("superblock written: group=%s (%d disks) disk=%s generation=%d",
		grec.Name, len(grec.Disks), uuid, rec.Generation())
	return nil
}

// injectMessageAction runs a scripted sequence of PR-lock messages
// through an ephemeral in-process cluster (one server node plus the
// requested number of clients, wired by direct dispatch rather than a
// network transport) and prints the resulting FSM states — the "in
// process cluster" DESIGN.md promises for exercising the PR lock
// algorithm outside of a real multi-node deployment.
func injectMessageAction(ctx *cli.Context) error {
	nodeCount := ctx.Int("nodes")
	if nodeCount < 1 {
		return exaerr.New(exaerr.Invalid, "--nodes must be at least 1")
	}
	members := make([]exatypes.NodeID, nodeCount)
	for i := range members {
		members[i] = exatypes.NodeID(i + 1)
	}

	sim := newSimCluster(members)
	for _, step := range splitCSV(ctx.String("script")) {
		if step == "" {
			continue
		}
		parts := strings.SplitN(step, ":", 2)
		if len(parts) != 2 {
			return exaerr.New(exaerr.Invalid, "malformed script step %q, want TYPE:NODE", step)
		}
		node, err := strconv.Atoi(parts[1])
		if err != nil {
			return exaerr.New(exaerr.Invalid, "malformed node in step %q: %v", step, err)
		}
		if err := sim.inject(parts[0], exatypes.NodeID(node)); err != nil {
			return err
		}
	}

	sim.printStates()
	return nil
}

// runProfiler mirrors the teacher's cpu/memory profiling knob,
// mutually exclusive and stopped explicitly rather than on SIGTERM so
// exanodes-inject's own signal handling stays in control.
func runProfiler(ctx *cli.Context) (interface{ Stop() }, error) {
	cpuOn := ctx.GlobalBool("cpu-profiling")
	memOn := ctx.GlobalBool("memory-profiling")
	if cpuOn && memOn {
		return nil, exaerr.New(exaerr.Invalid, "cpu and memory profiling are mutually exclusive")
	}
	if cpuOn {
		return profile.Start(profile.CPUProfile, profile.ProfilePath("."), profile.NoShutdownHook), nil
	}
	if memOn {
		return profile.Start(profile.MemProfile, profile.ProfilePath("."), profile.NoShutdownHook), nil
	}
	return nil, nil
}

func main() {
	app := cli.NewApp()
	app.Name = "exanodes-inject"
	app.Usage = "test/admin CLI driving an exanodes cluster's storage and PR-lock algorithm"

	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "state", Value: defaultStatePath, Usage: "path to the cluster registry database"},
		cli.StringFlag{Name: "log-level", Value: "info", Usage: "debug, info, warning, error, fatal"},
		cli.BoolFlag{Name: "cpu-profiling", Hidden: true},
		cli.BoolFlag{Name: "memory-profiling", Hidden: true},
	}

	var prof interface{ Stop() }
	app.Before = func(ctx *cli.Context) error {
		level, err := logrus.ParseLevel(ctx.GlobalString("log-level"))
		if err != nil {
			return exaerr.New(exaerr.Invalid, "log-level %q not recognized", ctx.GlobalString("log-level"))
		}
		logrus.SetLevel(level)
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

		prof, err = runProfiler(ctx)
		return err
	}
	app.After = func(ctx *cli.Context) error {
		if prof != nil {
			prof.Stop()
		}
		return nil
	}

	app.Commands = []cli.Command{
		{
			Name:  "create-group",
			Usage: "register a SPOF group backed by sparse disk files",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "name"},
				cli.StringFlag{Name: "disks", Usage: "comma-separated disk file paths"},
				cli.IntFlag{Name: "sectors", Value: 1 << 16, Usage: "sectors per disk file"},
			},
			Action: createGroupAction,
		},
		{
			Name:  "delete-group",
			Usage: "unregister a SPOF group and remove its disk files",
			Flags: []cli.Flag{cli.StringFlag{Name: "name"}},
			Action: deleteGroupAction,
		},
		{
			Name:  "create-volume",
			Usage: "assemble a volume across one disk from each named group",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "name"},
				cli.StringFlag{Name: "groups", Usage: "comma-separated group names"},
				cli.StringFlag{Name: "layout", Value: "striping", Usage: "striping, rain1 or rainx"},
				cli.IntFlag{Name: "su-sectors", Value: 8, Usage: "stripe-unit size in sectors (rainx)"},
				cli.IntFlag{Name: "chunk-sectors", Value: 1024},
				cli.IntFlag{Name: "slots", Value: 1},
			},
			Action: createVolumeAction,
		},
		{
			Name:  "delete-volume",
			Usage: "unregister a volume",
			Flags: []cli.Flag{cli.StringFlag{Name: "name"}},
			Action: deleteVolumeAction,
		},
		{
			Name:  "resize-volume",
			Usage: "grow or shrink a registered volume",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "name"},
				cli.IntFlag{Name: "slots"},
			},
			Action: resizeVolumeAction,
		},
		{
			Name:  "start",
			Usage: "bring a volume online in the foreground until signaled",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "name"},
				cli.StringFlag{Name: "pidfile", Value: "exanodes-inject.pid"},
			},
			Action: startAction,
		},
		{
			Name:  "stop",
			Usage: "signal a running `start` to shut down",
			Flags: []cli.Flag{cli.StringFlag{Name: "pidfile", Value: "exanodes-inject.pid"}},
			Action: stopAction,
		},
		{
			Name:  "read-superblock",
			Usage: "read and print a disk's winning superblock copy",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "group"},
				cli.IntFlag{Name: "disk-index", Value: 0},
				cli.StringFlag{Name: "local-version", Value: "1.0"},
			},
			Action: readSuperblockAction,
		},
		{
			Name:  "write-superblock",
			Usage: "write a fresh superblock to both copies on a disk",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "group"},
				cli.IntFlag{Name: "disk-index", Value: 0},
				cli.StringFlag{Name: "local-version", Value: "1.0"},
				cli.IntFlag{Name: "node", Value: 1},
				cli.IntFlag{Name: "layout-tag", Value: 0},
				cli.IntFlag{Name: "generation", Value: 1},
			},
			Action: writeSuperblockAction,
		},
		{
			Name:  "inject-message",
			Usage: "drive the PR lock algorithm through a scripted message sequence",
			Flags: []cli.Flag{
				cli.IntFlag{Name: "nodes", Value: 3},
				cli.StringFlag{Name: "script", Usage: "comma-separated TYPE:NODE steps, e.g. NEW_PR:1"},
			},
			Action: injectMessageAction,
		},
	}

	if err := app.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}
