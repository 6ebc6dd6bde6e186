package parser

import (
	"fmt"
	"slices"
)

// An InodeFormatter names the attributes of one file record as
// segment-type-instance. The attribute name is only appended when
// another attribute already produced the same inode.
type InodeFormatter struct {
	seen []uint32
}

func (self *InodeFormatter) Inode(segment_number uint64,
	attr_type AttributeType, instance uint16, name string) string {
	inode := fmt.Sprintf("%d-%d-%d", segment_number, uint32(attr_type), instance)
	key := uint32(instance)<<16 | uint32(attr_type)&0xFFFF

	if slices.Contains(self.seen, key) {
		if name != "" {
			inode += ":" + name
		}
		return inode
	}

	self.seen = append(self.seen, key)
	return inode
}
