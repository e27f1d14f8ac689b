package pipelinedef

import (
	"sort"
	"time"

	"github.com/davarch/archbuild/internal/domain"
	"github.com/davarch/archbuild/internal/infrastructure/archivecheck"
)

const (
	RootfsTarball = "arch-custom-rootfs.tar.zst"
	ContainerTar  = "arch-custom-container.tar"
)

var packages = []string{"base", "base-devel", "linux", "linux-firmware", "sudo", "zsh", "vim"}

var builtins = map[string]func() domain.Pipeline{
	"rootfs":    rootfs,
	"container": container,
	"iso":       iso,
}

// defaults per pipeline; flags, config params and request files override them.
var defaults = map[string]domain.Params{
	"rootfs": {
		domain.ParamShell:    "/usr/bin/bash",
		domain.ParamTimezone: "UTC",
		domain.ParamHostname: "archlinux",
		domain.ParamLocale:   "en_US.UTF-8",
	},
	"container": {
		domain.ParamShell:    "/usr/bin/bash",
		domain.ParamTimezone: "UTC",
		domain.ParamHostname: "archlinux",
		domain.ParamLocale:   "en_US.UTF-8",
	},
	"iso": {
		domain.ParamShell:    "/usr/bin/bash",
		domain.ParamTimezone: "Asia/Tehran",
		domain.ParamHostname: "archiso",
		domain.ParamLocale:   "en_US.UTF-8",
		domain.ParamISOName:  "archlinux-custom",
	},
}

// Builtin returns a fresh copy of a built-in pipeline.
func Builtin(name string) (domain.Pipeline, bool) {
	f, ok := builtins[name]
	if !ok {
		return domain.Pipeline{}, false
	}
	return f(), true
}

func Names() []string {
	out := make([]string, 0, len(builtins))
	for n := range builtins {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Defaults returns the default parameters of a built-in pipeline, or an
// empty set for any other name.
func Defaults(name string) domain.Params {
	return defaults[name].Clone()
}

// systemStages populate {{rootfs}} and configure the user account. Every
// filesystem archive and image starts from them.
func systemStages() []domain.Stage {
	configure := `set -e
echo '{{hostname}}' > /etc/hostname
printf '127.0.0.1 localhost\n::1 localhost\n127.0.1.1 {{hostname}}.localdomain {{hostname}}\n' > /etc/hosts
ln -sf '/usr/share/zoneinfo/{{timezone}}' /etc/localtime
sed -i 's/^#{{locale}} /{{locale}} /' /etc/locale.gen
locale-gen
echo 'LANG={{locale}}' > /etc/locale.conf
sed -i 's/^# %wheel ALL=(ALL:ALL) ALL/%wheel ALL=(ALL:ALL) ALL/' /etc/sudoers`

	return []domain.Stage{
		{
			Name:       "fetch_base",
			Command:    domain.Command{Program: "pacstrap", Args: append([]string{"-c", "-K", "{{rootfs}}"}, packages...)},
			Privileged: true,
			Timeout:    time.Hour,
		},
		{
			Name:       "configure",
			Command:    domain.Command{Program: "arch-chroot", Args: []string{"{{rootfs}}", "/bin/bash", "-c", configure}},
			After:      []string{"fetch_base"},
			Privileged: true,
			Timeout:    10 * time.Minute,
		},
		{
			Name:       "create_user",
			Command:    domain.Command{Program: "arch-chroot", Args: []string{"{{rootfs}}", "useradd", "-m", "-G", "wheel", "-s", "{{shell}}", "{{username}}"}},
			After:      []string{"configure"},
			Privileged: true,
			Timeout:    time.Minute,
		},
		{
			Name:       "set_password",
			Command:    domain.Command{Program: "arch-chroot", Args: []string{"{{rootfs}}", "chpasswd"}},
			Stdin:      "{{username}}:{{password}}\n",
			After:      []string{"create_user"},
			Privileged: true,
			Timeout:    time.Minute,
		},
	}
}

func packageStage(dst string) domain.Stage {
	args := []string{"--zstd", "--numeric-owner", "--xattrs", "--xattrs-include=*", "--acls"}
	args = append(args, archivecheck.TarExcludeArgs(archivecheck.DefaultExcludes)...)
	args = append(args, "-cpf", dst, "-C", "{{rootfs}}", ".")

	return domain.Stage{
		Name:           "package",
		Command:        domain.Command{Program: "tar", Args: args},
		After:          []string{"set_password"},
		Outputs:        []string{dst},
		Privileged:     true,
		Timeout:        30 * time.Minute,
		VerifyExcludes: true,
	}
}

func rootfs() domain.Pipeline {
	return domain.Pipeline{
		Name:        "rootfs",
		Description: "Arch Linux root filesystem as a zstd tarball",
		Stages:      append(systemStages(), packageStage("{{output}}/"+RootfsTarball)),
	}
}

func container() domain.Pipeline {
	tarball := "{{output}}/" + RootfsTarball
	stages := append(systemStages(), packageStage(tarball),
		domain.Stage{
			Name: "import",
			Command: domain.Command{Program: "podman", Args: []string{
				"import", "--change", `CMD ["{{shell}}"]`, "--change", "ENV LANG={{locale}}", tarball, "{{image_name}}",
			}},
			After:   []string{"package"},
			Timeout: 15 * time.Minute,
		},
		domain.Stage{
			Name:    "save",
			Command: domain.Command{Program: "podman", Args: []string{"save", "--format", "oci-archive", "-o", "{{output}}/" + ContainerTar, "{{image_name}}"}},
			After:   []string{"import"},
			Outputs: []string{"{{output}}/" + ContainerTar},
			Timeout: 15 * time.Minute,
		},
	)

	return domain.Pipeline{
		Name:        "container",
		Description: "Arch Linux container image imported from the root filesystem",
		Stages:      stages,
	}
}

func iso() domain.Pipeline {
	grubCfg := `search --no-floppy --set=root --file /boot/vmlinuz-linux
set timeout=5
menuentry "Arch Linux ({{iso_name}})" {
	linux /boot/vmlinuz-linux
	initrd /boot/initramfs-linux.img
}
`
	tree := `set -e
mkdir -p "$1/boot" "$1/EFI" "$3"
cp "$2/boot/vmlinuz-linux" "$2/boot/initramfs-linux.img" "$1/boot/"`

	tarball := "{{output}}/" + RootfsTarball
	stages := append(systemStages(), packageStage(tarball),
		domain.Stage{
			Name:       "iso_tree",
			Command:    domain.Command{Program: "/bin/sh", Args: []string{"-c", tree, "sh", "{{workdir}}/iso", "{{rootfs}}", "{{workdir}}/efi"}},
			After:      []string{"set_password"},
			Privileged: true,
			Timeout:    5 * time.Minute,
		},
		domain.Stage{
			Name:    "grub_config",
			Command: domain.Command{Program: "tee", Args: []string{"{{workdir}}/grub.cfg"}},
			Stdin:   grubCfg,
			Timeout: time.Minute,
		},
		domain.Stage{
			Name: "grub_efi",
			Command: domain.Command{Program: "grub-mkstandalone", Args: []string{
				"-O", "x86_64-efi", "-o", "{{workdir}}/efi/BOOTX64.EFI", "boot/grub/grub.cfg={{workdir}}/grub.cfg",
			}},
			After:      []string{"iso_tree", "grub_config"},
			Privileged: true,
			Timeout:    10 * time.Minute,
		},
		domain.Stage{
			Name:       "efiboot_image",
			Command:    domain.Command{Program: "mkfs.fat", Args: []string{"-C", "{{workdir}}/iso/EFI/efiboot.img", "8192"}},
			After:      []string{"iso_tree"},
			Privileged: true,
			Timeout:    time.Minute,
		},
		domain.Stage{
			Name:       "efiboot_dirs",
			Command:    domain.Command{Program: "mmd", Args: []string{"-i", "{{workdir}}/iso/EFI/efiboot.img", "::/EFI", "::/EFI/BOOT"}},
			After:      []string{"efiboot_image"},
			Privileged: true,
			Timeout:    time.Minute,
		},
		domain.Stage{
			Name: "efiboot_copy",
			Command: domain.Command{Program: "mcopy", Args: []string{
				"-i", "{{workdir}}/iso/EFI/efiboot.img", "{{workdir}}/efi/BOOTX64.EFI", "::/EFI/BOOT/BOOTX64.EFI",
			}},
			After:      []string{"grub_efi", "efiboot_dirs"},
			Privileged: true,
			Timeout:    time.Minute,
		},
		domain.Stage{
			Name: "master",
			Command: domain.Command{Program: "xorriso", Args: []string{
				"-as", "mkisofs",
				"-iso-level", "3",
				"-full-iso9660-filenames",
				"-volid", "ARCH_CUSTOM",
				"-e", "EFI/efiboot.img",
				"-no-emul-boot",
				"-isohybrid-gpt-basdat",
				"-output", "{{output}}/{{iso_name}}.iso",
				"-graft-points",
				"{{workdir}}/iso",
				"/arch/" + RootfsTarball + "=" + tarball,
			}},
			After:      []string{"package", "efiboot_copy"},
			Outputs:    []string{"{{output}}/{{iso_name}}.iso"},
			Privileged: true,
			Timeout:    20 * time.Minute,
		},
	)

	return domain.Pipeline{
		Name:        "iso",
		Description: "EFI bootable ISO image carrying the root filesystem tarball",
		Stages:      stages,
	}
}
