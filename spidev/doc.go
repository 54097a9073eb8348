// Package spidev implements spibus.Driver on top of Linux spidev nodes.
//
// Each spibus.Host maps to a spidev bus number and each device to a node
// /dev/spidevB.C, where C is the device's chip select index. Devices attached
// with manual chip select open chip select 0 with SPI_NO_CS set, so the
// caller's own GPIO line is the only one that toggles.
//
// Initialize claims a host with an flock on its owner file, so only one
// Driver at a time can bring it up. Bus acquisition is enforced twice: an
// in-process semaphore per host keeps goroutines apart, and an flock on a
// per-host lock file keeps other processes out while a device holds the bus.
//
// Manual chip select devices share the chip select 0 node. The driver
// restores each device's SPI mode on that node before its transfer.
//
// Failures carry the errno of the failing system call as the status code, so
// Status(unix.ENOENT) is returned for a missing node. These codes are below
// 0x100 and never collide with the named spibus codes.
//
// Command, address and dummy phases are sent as leading bytes of the same
// spidev message, so their widths must be whole bytes.
//
// This package does **not** support non-Linux hosts.
package spidev
