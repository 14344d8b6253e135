package relay

// room is a named set of connections. Members are kept in join order so that
// broadcasts are delivered deterministically.
type room struct {
	id      string
	members []ConnID
}

func (rm *room) has(id ConnID) bool {
	for _, m := range rm.members {
		if m == id {
			return true
		}
	}
	return false
}

// roomDirectory tracks room membership. A room exists exactly while it has at
// least one member.
type roomDirectory struct {
	rooms map[string]*room
}

func newRoomDirectory() roomDirectory {
	return roomDirectory{rooms: make(map[string]*room)}
}

// add makes id a member of roomID, creating the room on first join. Adding an
// existing member is a no-op.
func (d *roomDirectory) add(roomID string, id ConnID) (created bool) {
	rm, ok := d.rooms[roomID]
	if !ok {
		rm = &room{id: roomID}
		d.rooms[roomID] = rm
		created = true
	}
	if !rm.has(id) {
		rm.members = append(rm.members, id)
	}
	return created
}

// remove drops id from roomID and destroys the room once it is empty.
func (d *roomDirectory) remove(roomID string, id ConnID) (destroyed bool) {
	rm, ok := d.rooms[roomID]
	if !ok {
		return false
	}
	for i, m := range rm.members {
		if m == id {
			rm.members = append(rm.members[:i], rm.members[i+1:]...)
			break
		}
	}
	if len(rm.members) == 0 {
		delete(d.rooms, roomID)
		return true
	}
	return false
}

// members returns a copy of roomID's member list.
func (d *roomDirectory) members(roomID string) []ConnID {
	rm, ok := d.rooms[roomID]
	if !ok {
		return nil
	}
	return append([]ConnID(nil), rm.members...)
}

func (d *roomDirectory) len() int { return len(d.rooms) }
