package satellite

import (
	"context"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/keithlinneman/linnemanlabs-satsync/internal/task"
	"github.com/keithlinneman/linnemanlabs-satsync/internal/xerrors"
)

const (
	katello = "katello/api/"
	foreman = "foreman_tasks/api/"

	// DefaultViewName is the aggregate view every organization has.
	DefaultViewName = "Default Organization View"

	pageSize = 1000
)

// Gateway is the request surface of api.Client.
type Gateway interface {
	Get(ctx context.Context, path string, out any) error
	Put(ctx context.Context, path string, in, out any) error
	Submit(ctx context.Context, method, path string, in any) task.Submission
}

// Client talks to one organization on one server.
type Client struct {
	gw    Gateway
	orgID int
}

func New(gw Gateway) *Client {
	return &Client{gw: gw}
}

// ForOrganization returns a copy scoped to orgID.
func (c *Client) ForOrganization(orgID int) *Client {
	cp := *c
	cp.orgID = orgID
	return &cp
}

func (c *Client) OrgID() int { return c.orgID }

type page[T any] struct {
	Total   int `json:"total"`
	Results []T `json:"results"`
}

// listAll reads every page of an index endpoint. It stops once Total results
// are collected or a short page comes back.
func listAll[T any](ctx context.Context, gw Gateway, path string, q url.Values) ([]T, error) {
	q.Set("per_page", strconv.Itoa(pageSize))
	var all []T
	for n := 1; ; n++ {
		q.Set("page", strconv.Itoa(n))
		var p page[T]
		if err := gw.Get(ctx, path+"?"+q.Encode(), &p); err != nil {
			return nil, err
		}
		all = append(all, p.Results...)
		if len(p.Results) < pageSize || (p.Total > 0 && len(all) >= p.Total) {
			return all, nil
		}
	}
}

// Task implements task.Source.
func (c *Client) Task(ctx context.Context, id string) (task.Task, error) {
	var t task.Task
	if err := c.gw.Get(ctx, foreman+"tasks/"+url.PathEscape(id), &t); err != nil {
		return task.Task{}, err
	}
	return t, nil
}

// ListTasks implements task.Lister. Stopped tasks are dropped.
func (c *Client) ListTasks(ctx context.Context) ([]task.Task, error) {
	q := url.Values{}
	q.Set("search", "state != stopped")

	tasks, err := listAll[task.Task](ctx, c.gw, foreman+"tasks", q)
	if err != nil {
		return nil, err
	}
	out := tasks[:0]
	for _, t := range tasks {
		if t.State != task.StateStopped {
			out = append(out, t)
		}
	}
	return out, nil
}

// OrganizationID resolves an organization name or label.
func (c *Client) OrganizationID(ctx context.Context, name string) (int, error) {
	var org struct {
		ID int `json:"id"`
	}
	if err := c.gw.Get(ctx, katello+"organizations/"+url.PathEscape(name), &org); err != nil {
		return 0, xerrors.Wrapf(err, "look up organization %q", name)
	}
	if org.ID == 0 {
		return 0, xerrors.Newf("organization %q not found", name)
	}
	return org.ID, nil
}

// Repositories lists the organization's repositories.
func (c *Client) Repositories(ctx context.Context) ([]Repository, error) {
	q := url.Values{}
	q.Set("organization_id", strconv.Itoa(c.orgID))

	repos, err := listAll[Repository](ctx, c.gw, katello+"repositories", q)
	if err != nil {
		return nil, xerrors.Wrap(err, "list repositories")
	}
	return repos, nil
}

// Repository fetches one repository with its content counts.
func (c *Client) Repository(ctx context.Context, id int) (Repository, error) {
	var r Repository
	if err := c.gw.Get(ctx, katello+"repositories/"+strconv.Itoa(id), &r); err != nil {
		return Repository{}, xerrors.Wrapf(err, "get repository %d", id)
	}
	return r, nil
}

// ContentCounts returns the package and erratum counts of a repository.
func (c *Client) ContentCounts(ctx context.Context, id int) (Counts, error) {
	r, err := c.Repository(ctx, id)
	if err != nil {
		return Counts{}, err
	}
	return r.ContentCounts, nil
}

// DefaultView returns the Default Organization View and its newest version.
func (c *Client) DefaultView(ctx context.Context) (View, error) {
	type version struct {
		ID      int    `json:"id"`
		Version string `json:"version"`
	}
	type view struct {
		ID       int       `json:"id"`
		Name     string    `json:"name"`
		Label    string    `json:"label"`
		Versions []version `json:"versions"`
	}

	views, err := listAll[view](ctx, c.gw, katello+"organizations/"+strconv.Itoa(c.orgID)+"/content_views", url.Values{})
	if err != nil {
		return View{}, xerrors.Wrap(err, "list content views")
	}
	for _, v := range views {
		if v.Name != DefaultViewName {
			continue
		}
		if len(v.Versions) == 0 {
			return View{}, xerrors.Newf("%s has no versions", DefaultViewName)
		}
		sort.Slice(v.Versions, func(i, j int) bool { return v.Versions[i].ID < v.Versions[j].ID })
		latest := v.Versions[len(v.Versions)-1]
		return View{ID: v.ID, Name: v.Name, Label: v.Label, VersionID: latest.ID, Version: latest.Version}, nil
	}
	return View{}, xerrors.Newf("%s not found in organization %d", DefaultViewName, c.orgID)
}

func exportBody(since *time.Time) map[string]string {
	body := map[string]string{}
	if since != nil {
		body["since"] = formatSince(*since)
	}
	return body
}

// ExportView starts a content view version export. A nil since is a full
// export.
func (c *Client) ExportView(ctx context.Context, versionID int, since *time.Time) task.Submission {
	return c.gw.Submit(ctx, http.MethodPost, katello+"content_view_versions/"+strconv.Itoa(versionID)+"/export", exportBody(since))
}

// ExportRepository starts a single repository export.
func (c *Client) ExportRepository(ctx context.Context, repoID int, since *time.Time) task.Submission {
	return c.gw.Submit(ctx, http.MethodPost, katello+"repositories/"+strconv.Itoa(repoID)+"/export", exportBody(since))
}

// DisableMirrorOnSync stops a sync from removing content that is absent
// upstream.
func (c *Client) DisableMirrorOnSync(ctx context.Context, repoID int) error {
	body := map[string]bool{"mirror_on_sync": false}
	return xerrors.Wrapf(c.gw.Put(ctx, katello+"repositories/"+strconv.Itoa(repoID), body, nil),
		"disable mirror-on-sync for repository %d", repoID)
}

// SyncRepositories starts one bulk sync task for ids.
func (c *Client) SyncRepositories(ctx context.Context, ids []int) task.Submission {
	return c.gw.Submit(ctx, http.MethodPost, katello+"repositories/bulk/sync", map[string][]int{"ids": ids})
}

// IncompleteSyncs lists yum repositories whose last sync stopped with warnings.
func (c *Client) IncompleteSyncs(ctx context.Context) ([]Repository, error) {
	repos, err := c.Repositories(ctx)
	if err != nil {
		return nil, err
	}
	var out []Repository
	for _, r := range repos {
		if r.Yum() && r.LastSync.Incomplete() {
			out = append(out, r)
		}
	}
	return out, nil
}
