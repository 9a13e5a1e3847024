package app

import (
	"fmt"
	"log/slog"

	"infinitytrain/pkg/domain"
)

var demoUsers = []domain.User{
	{ID: "u1", Name: "Admin", Email: "admin@oceaninfinity.com", Role: domain.RoleAdmin},
	{ID: "u2", Name: "May", Email: "May-Marie.Mawili@oceaninfinity.com", Role: domain.RoleEmployee},
	{ID: "u3", Name: "Adam", Email: "adam.lundquist@oceaninfinity.com", Role: domain.RoleEmployee},
	{ID: "u4", Name: "Chris", Email: "christoph.leitner@oceaninfinity.com", Role: domain.RoleEmployee},
	{ID: "u5", Name: "Arta", Email: "Arta.Zena@oceaninfinity.com", Role: domain.RoleEmployee},
	{ID: "u6", Name: "Enya", Email: "Enya.Tufvesson@oceaninfinity.com", Role: domain.RoleEmployee},
}

func demoSubtopic(id, title, resources string) domain.Subtopic {
	return domain.Subtopic{ID: id, Title: title, Resources: resources, Comments: []domain.Comment{}}
}

var demoTopics = []domain.Topic{
	{ID: "t1", Title: "Safety First", Icon: "ShieldCheck", Subtopics: []domain.Subtopic{
		demoSubtopic("st1", "Emergency Procedures", "# Emergency Procedures\n\nIn case of emergency..."),
		demoSubtopic("st2", "PPE Guidelines", "# Personal Protective Equipment\n\nAlways wear..."),
	}},
	{ID: "t2", Title: "Ocean Navigation", Icon: "Compass", Subtopics: []domain.Subtopic{
		demoSubtopic("st3", "Chart Reading", "# Reading Charts\n\nKey symbols include..."),
	}},
	{ID: "t3", Title: "Equipment Ops", Icon: "Wrench", Subtopics: []domain.Subtopic{
		demoSubtopic("st4", "ROV Maintenance", "# ROV Maintenance Checklist\n\n1. Check seals..."),
	}},
	{ID: "t4", Title: "Data Analysis", Icon: "BarChart3", Subtopics: []domain.Subtopic{
		demoSubtopic("st5", "Sonar Interpretation", "# Sonar Data\n\nHow to read sonar..."),
	}},
	{ID: "t5", Title: "Communication", Icon: "Radio", Subtopics: []domain.Subtopic{
		demoSubtopic("st6", "Radio Protocols", "# Radio Etiquette\n\nOver and out."),
	}},
	{ID: "t6", Title: "Environmental", Icon: "Leaf", Subtopics: []domain.Subtopic{
		demoSubtopic("st7", "Marine Life Protection", "# Protecting Marine Life\n\nGuidelines..."),
	}},
	{ID: "t7", Title: "Vessel Maintenance", Icon: "Ship", Subtopics: []domain.Subtopic{
		demoSubtopic("st8", "Engine Checks", "# Engine Maintenance\n\nDaily checks..."),
		demoSubtopic("st9", "Hull Inspection", "# Hull Integrity\n\nRegular inspection..."),
	}},
	{ID: "t8", Title: "Weather Systems", Icon: "Wind", Subtopics: []domain.Subtopic{
		demoSubtopic("st10", "Storm Recognition", "# Storm Systems\n\nIdentifying threats..."),
	}},
}

// SeedDemoData populates an empty store with the demo users and topics.
// It does nothing once any user exists.
func (a *App) SeedDemoData() error {
	count, err := a.store.UserCount()
	if err != nil {
		return fmt.Errorf("count users: %w", err)
	}
	if count > 0 {
		return nil
	}
	for _, u := range demoUsers {
		u.Avatar = DefaultAvatar(u.Name)
		if err := a.store.CreateUser(u); err != nil {
			return fmt.Errorf("seed user %s: %w", u.ID, err)
		}
	}
	for _, t := range demoTopics {
		if _, err := a.store.ReplaceTopic(t); err != nil {
			return fmt.Errorf("seed topic %s: %w", t.ID, err)
		}
	}
	slog.Info("seeded demo data", "users", len(demoUsers), "topics", len(demoTopics))
	return nil
}
