package metadata

import "github.com/xbus/xbus/internal/config"

// Apply seeds a metadata store from parsed provision files, used at
// startup to populate the embedded store from YAML configuration.
func Apply(store Store, files []config.ProvisionFile) error {
	for _, f := range files {
		for _, r := range f.Roles {
			if err := store.PutRole(Role{
				ID:           r.ID,
				Login:        r.Login,
				PasswordHash: r.PasswordHash,
				ServiceID:    r.ServiceID,
			}); err != nil {
				return err
			}
		}
		for _, t := range f.EventTypes {
			if err := store.PutEventType(t.Name, t.ID); err != nil {
				return err
			}
		}
		for _, g := range f.NodeGraphs {
			rows := make([]NodeRow, 0, len(g.Nodes))
			for _, n := range g.Nodes {
				rows = append(rows, NodeRow{
					NodeID:    n.NodeID,
					ServiceID: n.ServiceID,
					IsStart:   n.IsStart,
					ChildIDs:  n.ChildIDs,
				})
			}
			if err := store.PutNodeGraph(g.TypeID, rows); err != nil {
				return err
			}
		}
		for _, c := range f.ConsumerRoles {
			if err := store.PutConsumerRoles(c.ServiceID, c.RoleIDs); err != nil {
				return err
			}
		}
	}
	return nil
}
