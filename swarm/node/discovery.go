package node

import (
	"chunkfs/swarm/protocol"

	log "github.com/sirupsen/logrus"
)

// Discovery receives node announcements from the multicast group.
type Discovery struct {
	node *Node
}

// Announce records the announced node. A node seen for the first time gets
// one announcement back so that it learns about us too.
func (d *Discovery) Announce(msg *protocol.Announcement) {
	if msg.Node.ID == d.node.Self().ID {
		log.Debugf("Received our own announcement - ignoring")
		return
	}
	log.Infof("Announcement: node: %s, names: %v, address: %s", msg.Node.ID, msg.Node.Names, msg.Node.ServiceAddress)

	isNew, err := d.node.remember(msg.Node)
	if err != nil {
		log.Errorf("Failed to store node descriptor: %v", err)
		return
	}
	if isNew && !msg.Reply {
		d.node.announce(true)
	}
}
