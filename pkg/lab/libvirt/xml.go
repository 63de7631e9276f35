package libvirt

import (
	"errors"
	"fmt"

	"github.com/alexandremahdhaoui/dst/pkg/lab"
	"github.com/google/uuid"
	"k8s.io/utils/ptr"
	"libvirt.org/go/libvirtxml"
)

var (
	errMarshalDomainXML  = errors.New("failed to marshal domain XML")
	errMarshalNetworkXML = errors.New("failed to marshal network XML")
)

// macNamespace seeds the deterministic MAC addresses of lab ports.
var macNamespace = uuid.MustParse("8c1e7f0a-4b0c-4d55-9a57-6b1f3c2d9e10")

type sizing struct {
	memoryMiB uint
	vcpus     uint
}

var roleSizing = map[lab.Role]sizing{
	lab.RoleRouter:   {memoryMiB: 512, vcpus: 1},
	lab.RoleFirewall: {memoryMiB: 2048, vcpus: 1},
	lab.RoleServer:   {memoryMiB: 1024, vcpus: 1},
}

// portLabels lists the ports a node of each role is created with, in NIC
// order.
var portLabels = map[lab.Role][]string{
	lab.RoleRouter: {
		"GigabitEthernet0/0", "GigabitEthernet0/1", "GigabitEthernet0/2", "GigabitEthernet0/3",
	},
	lab.RoleFirewall: {
		"Management0/0", "GigabitEthernet0/0", "GigabitEthernet0/1", "GigabitEthernet0/2",
	},
	lab.RoleSwitch: {
		"port0", "port1", "port2", "port3", "port4", "port5", "port6", "port7",
	},
	lab.RoleServer:            {"enp0s2", "enp0s3"},
	lab.RoleExternalConnector: {"port"},
}

// macAddress derives a stable locally administered MAC from the lab, node
// and port, using libvirt's 52:54:00 prefix.
func macAddress(labID, node, label string) string {
	sum := uuid.NewSHA1(macNamespace, []byte(labID+"/"+node+"/"+label))
	return fmt.Sprintf("52:54:00:%02x:%02x:%02x", sum[0], sum[1], sum[2])
}

func domainName(labID, node string) string {
	return labID + "-" + slug(node)
}

func switchNetworkName(labID, node string) string {
	return labID + "-" + slug(node)
}

func linkNetworkName(labID string, index int) string {
	return fmt.Sprintf("%s-link%d", labID, index)
}

// domainXML renders the libvirt domain of a router, firewall or server node.
func domainXML(labID string, node NodeRecord, diskPath, configDrivePath string) (string, error) {
	size, ok := roleSizing[node.Role]
	if !ok {
		return "", errors.Join(fmt.Errorf("role=%s", node.Role), lab.ErrUnsupportedRole)
	}

	disks := []libvirtxml.DomainDisk{
		{
			Device: "disk",
			Driver: &libvirtxml.DomainDiskDriver{
				Name: "qemu",
				Type: "qcow2",
			},
			Source: &libvirtxml.DomainDiskSource{
				File: &libvirtxml.DomainDiskSourceFile{
					File: diskPath,
				},
			},
			Target: &libvirtxml.DomainDiskTarget{
				Dev: "vda",
				Bus: "virtio",
			},
		},
	}

	if configDrivePath != "" {
		disks = append(disks, libvirtxml.DomainDisk{
			Device: "cdrom",
			Driver: &libvirtxml.DomainDiskDriver{
				Name: "qemu",
				Type: "raw",
			},
			Source: &libvirtxml.DomainDiskSource{
				File: &libvirtxml.DomainDiskSourceFile{
					File: configDrivePath,
				},
			},
			Target: &libvirtxml.DomainDiskTarget{
				Dev: "sdb",
				Bus: "sata",
			},
			ReadOnly: &libvirtxml.DomainDiskReadOnly{},
		})
	}

	var ifaces []libvirtxml.DomainInterface
	for _, port := range node.Interfaces {
		if port.Network == "" {
			continue
		}

		ifaces = append(ifaces, libvirtxml.DomainInterface{
			MAC: &libvirtxml.DomainInterfaceMAC{
				Address: port.MAC,
			},
			Source: &libvirtxml.DomainInterfaceSource{
				Network: &libvirtxml.DomainInterfaceSourceNetwork{
					Network: port.Network,
				},
			},
			Model: &libvirtxml.DomainInterfaceModel{
				Type: "virtio",
			},
		})
	}

	domain := &libvirtxml.Domain{
		Type: "kvm",
		Name: domainName(labID, node.Name),
		Metadata: &libvirtxml.DomainMetadata{
			XML: fmt.Sprintf("<dst:node xmlns:dst=\"https://github.com/alexandremahdhaoui/dst\" lab=%q role=%q/>", labID, node.Role),
		},
		Memory: &libvirtxml.DomainMemory{
			Value: size.memoryMiB,
			Unit:  "MiB",
		},
		VCPU: &libvirtxml.DomainVCPU{
			Value: size.vcpus,
		},
		OS: &libvirtxml.DomainOS{
			Type: &libvirtxml.DomainOSType{
				Arch:    "x86_64",
				Machine: "pc",
				Type:    "hvm",
			},
			BootDevices: []libvirtxml.DomainBootDevice{
				{Dev: "hd"},
			},
		},
		Features: &libvirtxml.DomainFeatureList{
			ACPI: &libvirtxml.DomainFeature{},
			APIC: &libvirtxml.DomainFeatureAPIC{},
		},
		Clock: &libvirtxml.DomainClock{
			Offset: "utc",
		},
		OnPoweroff: "destroy",
		OnReboot:   "restart",
		OnCrash:    "destroy",
		Devices: &libvirtxml.DomainDeviceList{
			Disks:      disks,
			Interfaces: ifaces,
			Serials: []libvirtxml.DomainSerial{
				{
					Source: &libvirtxml.DomainChardevSource{
						Pty: &libvirtxml.DomainChardevSourcePty{},
					},
					Target: &libvirtxml.DomainSerialTarget{
						Port: ptr.To(uint(0)),
					},
				},
			},
			Consoles: []libvirtxml.DomainConsole{
				{
					Source: &libvirtxml.DomainChardevSource{
						Pty: &libvirtxml.DomainChardevSourcePty{},
					},
					Target: &libvirtxml.DomainConsoleTarget{
						Type: "serial",
						Port: ptr.To(uint(0)),
					},
				},
			},
		},
	}

	out, err := domain.Marshal()
	if err != nil {
		return "", errors.Join(err, errMarshalDomainXML)
	}

	return out, nil
}

// isolatedNetworkXML renders a network with no forwarding and no addressing,
// acting as a plain L2 segment.
func isolatedNetworkXML(name string) (string, error) {
	network := &libvirtxml.Network{
		Name: name,
		Bridge: &libvirtxml.NetworkBridge{
			STP: "off",
		},
	}

	out, err := network.Marshal()
	if err != nil {
		return "", errors.Join(err, errMarshalNetworkXML)
	}

	return out, nil
}
