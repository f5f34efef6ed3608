package usbio

// tdList is an intrusive doubly linked list of transferDescriptors using
// the classic sentinel-head convention: an empty list has both pointers
// referencing the head itself. A transferDescriptor is a member of at
// most one tdList at a time (pool xor queued), never both, and never a
// member of another endpoint's lists.
type tdList struct {
	next, prev *transferDescriptor
}

// initList turns head into an empty list. head must be the sentinel node
// embedded in an endpoint, not a transferDescriptor.
func initList(head *transferDescriptor) {
	head.next = head
	head.prev = head
}

// empty reports whether the list headed by head contains no elements.
func empty(head *transferDescriptor) bool {
	return head.next == head
}

// insertAfter splices td in immediately after at, which may be the
// sentinel head (to insert at the front) or any element already in a
// list.
func insertAfter(at, td *transferDescriptor) {
	td.next = at.next
	td.prev = at
	at.next.prev = td
	at.next = td
}

// remove unlinks td from whatever list it currently belongs to. It is a
// bug to call remove on the sentinel head itself.
func remove(td *transferDescriptor) {
	td.prev.next = td.next
	td.next.prev = td.prev
	td.next = nil
	td.prev = nil
}

// front returns the first element after the sentinel head, or nil if the
// list is empty.
func front(head *transferDescriptor) *transferDescriptor {
	if empty(head) {
		return nil
	}
	return head.next
}
