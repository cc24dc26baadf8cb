package cluster

import (
	"testing"

	pagemanager "github.com/ferrodb/ferrodb/core/write_engine/page_manager"
	"github.com/stretchr/testify/require"
)

func TestPackUnpackPointerRoundTrip(t *testing.T) {
	pageID := pagemanager.PageID(123456)
	slot := uint32(17)

	packed := PackPointer(pageID, slot)
	require.NotEqual(t, NoNext, packed)

	gotPage, gotSlot := UnpackPointer(packed)
	require.Equal(t, pageID, gotPage)
	require.Equal(t, slot, gotSlot)
}

func TestPackPointerSlotMasksTo16Bits(t *testing.T) {
	packed := PackPointer(pagemanager.PageID(1), 0x1FFFF)
	_, slot := UnpackPointer(packed)
	require.EqualValues(t, 0xFFFF, slot)
}
