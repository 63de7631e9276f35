package libvirt

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/alexandremahdhaoui/dst/pkg/execcontext"
	"github.com/alexandremahdhaoui/dst/pkg/lab"
)

var (
	errCreateConfigDriveDir = errors.New("failed to create config drive directory")
	errWriteConfigDrive     = errors.New("failed to write config drive file")
	errCreateConfigDrive    = errors.New("failed to create config drive ISO with xorriso")
	errCreateDisk           = errors.New("failed to create node disk")
)

// driveLayout is where each device image looks for its startup
// configuration on the attached cdrom.
type driveLayout struct {
	file   string
	volume string
}

var driveLayouts = map[lab.Role]driveLayout{
	lab.RoleRouter:   {file: "ios_config.txt", volume: "config"},
	lab.RoleFirewall: {file: "day0-config", volume: "day0"},
	lab.RoleServer:   {file: "user-data", volume: "cidata"},
}

// buildConfigDrive packages a node's configuration into an ISO and returns
// its path. It returns "" when the node has no configuration.
func buildConfigDrive(ctx context.Context, workDir, domain string, node NodeRecord) (string, error) {
	layout, ok := driveLayouts[node.Role]
	if !ok || node.Config == "" {
		return "", nil
	}

	isoPath := filepath.Join(workDir, domain+"-config.iso")

	srcDir := filepath.Join(workDir, domain+"-config")
	if err := os.MkdirAll(srcDir, 0o755); err != nil {
		return "", errors.Join(err, errCreateConfigDriveDir)
	}
	defer os.RemoveAll(srcDir)

	files := map[string]string{layout.file: node.Config}
	if node.Role == lab.RoleServer {
		files["meta-data"] = fmt.Sprintf("instance-id: %s\nlocal-hostname: %s\n", domain, slug(node.Name))
	}

	for name, content := range files {
		if err := os.WriteFile(filepath.Join(srcDir, name), []byte(content), 0o644); err != nil {
			return "", errors.Join(err, fmt.Errorf("file=%s", name), errWriteConfigDrive)
		}
	}

	cmd := execcontext.Command(ctx, execcontext.Empty(),
		"xorriso",
		"-as", "mkisofs",
		"-o", isoPath,
		"-V", layout.volume,
		"-J", "-R",
		srcDir,
	)
	if output, err := cmd.CombinedOutput(); err != nil {
		return "", errors.Join(err, fmt.Errorf("output: %s", output), errCreateConfigDrive)
	}

	return isoPath, nil
}

// createOverlay creates a qcow2 overlay backed by image.
func createOverlay(ctx context.Context, image, path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	cmd := execcontext.Command(ctx, execcontext.Empty(),
		"qemu-img",
		"create",
		"-f", "qcow2",
		"-o", fmt.Sprintf("backing_file=%s,backing_fmt=qcow2", image),
		path,
	)
	if output, err := cmd.CombinedOutput(); err != nil {
		return errors.Join(err, fmt.Errorf("output: %s", output), errCreateDisk)
	}

	return nil
}
