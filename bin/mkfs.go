package main

import (
	"fmt"
	"os"

	kingpin "gopkg.in/alecthomas/kingpin.v2"
	"www.velocidex.com/golang/ntfsmeta/parser"
)

var (
	mkfs_command = app.Command(
		"mkfs", "Create an empty ntfs volume in an image file.")

	mkfs_command_file_arg = mkfs_command.Arg(
		"file", "The image file to create",
	).Required().OpenFile(os.O_RDWR|os.O_CREATE, os.FileMode(0666))

	mkfs_command_size = mkfs_command.Flag(
		"size", "Size of the image e.g. 64MB. Defaults to the current size.",
	).Bytes()

	mkfs_command_sectors_per_cluster = mkfs_command.Flag(
		"sectors_per_cluster", "Sectors per cluster.",
	).Default("8").Uint8()

	mkfs_command_records = mkfs_command.Flag(
		"records", "Number of $MFT records.",
	).Default("256").Uint32()

	mkfs_command_label = mkfs_command.Flag(
		"label", "The volume label.",
	).Default("NTFS").String()
)

func doMkfs() {
	fd := *mkfs_command_file_arg
	defer fd.Close()

	if *mkfs_command_size > 0 {
		err := fd.Truncate(*image_offset_flag + int64(*mkfs_command_size))
		kingpin.FatalIfError(err, "Can not size image")
	}

	options := parser.GetDefaultFormatOptions()
	options.SectorsPerCluster = *mkfs_command_sectors_per_cluster
	options.MFTRecordCount = *mkfs_command_records
	options.VolumeLabel = *mkfs_command_label

	err := parser.Format(getDevice(fd, true), options)
	kingpin.FatalIfError(err, "Format")

	volume := openVolume(fd, false)
	defer volume.Close()

	fmt.Println(volume.Boot.DebugString())
	fmt.Printf("%d free clusters, %d free file records\n",
		volume.FreeClusterCount(), volume.FreeSegmentCount())
}

func init() {
	command_handlers = append(command_handlers, func(command string) bool {
		switch command {
		case "mkfs":
			doMkfs()
		default:
			return false
		}
		return true
	})
}
