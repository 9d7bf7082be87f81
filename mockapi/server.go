/*
 *    Copyright [2020] Sergey Kudasov
 *
 *    Licensed under the Apache License, Version 2.0 (the "License");
 *    you may not use this file except in compliance with the License.
 *    You may obtain a copy of the License at
 *
 *      http://www.apache.org/licenses/LICENSE-2.0
 *
 *    Unless required by applicable law or agreed to in writing, software
 *    distributed under the License is distributed on an "AS IS" BASIS,
 *    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *    See the License for the specific language governing permissions and
 *    limitations under the License.
 */

// Package mockapi is an in-memory user management API to run the scenario against
package mockapi

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

type api struct {
	store *Store
}

type errorResponse struct {
	Error string `json:"error"`
}

type messageResponse struct {
	Message string `json:"message"`
}

type createUserRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Email    string `json:"email"`
}

func (a *api) listUsers(c echo.Context) error {
	return c.JSON(http.StatusOK, a.store.List())
}

func (a *api) createUser(c echo.Context) error {
	var req createUserRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "malformed json body"})
	}
	if _, err := a.store.Create(req.Username, req.Password, req.Email); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return c.JSON(http.StatusConflict, errorResponse{Error: err.Error()})
		}
		return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
	}
	return c.JSON(http.StatusCreated, messageResponse{Message: "User created successfully"})
}

func (a *api) searchUsers(c echo.Context) error {
	return c.JSON(http.StatusOK, a.store.Search(c.QueryParam("q")))
}

// New returns the api server backed by store, a nil store starts empty
func New(store *Store, logRequests bool) *echo.Echo {
	if store == nil {
		store = NewStore()
	}
	a := &api{store: store}
	e := echo.New()
	e.HideBanner = true
	if logRequests {
		e.Use(middleware.Logger())
	}
	e.Use(middleware.Recover())
	e.GET("/api/users", a.listUsers)
	e.POST("/api/users", a.createUser)
	e.GET("/api/search", a.searchUsers)
	return e
}
